package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"torrentdesk/internal/domain"
)

const settingsID = "session"

// Repository stores one document per torrent and a singleton settings
// document. Every write replaces a whole document, which Mongo applies
// atomically.
type Repository struct {
	client     *mongo.Client
	collection *mongo.Collection
	settings   *mongo.Collection
}

type fileDoc struct {
	Index          int    `bson:"index"`
	Path           string `bson:"path"`
	Offset         int64  `bson:"offset"`
	Length         int64  `bson:"length"`
	BytesCompleted int64  `bson:"bytesCompleted,omitempty"`
	Priority       string `bson:"priority"`
}

type sourceDoc struct {
	Kind        string   `bson:"kind"`
	Magnet      string   `bson:"magnet,omitempty"`
	TorrentPath string   `bson:"torrentPath,omitempty"`
	Trackers    []string `bson:"trackers,omitempty"`
	DisplayName string   `bson:"displayName,omitempty"`
	Metainfo    []byte   `bson:"metainfo,omitempty"`
}

type torrentDoc struct {
	ID            string    `bson:"_id"`
	SchemaVersion int       `bson:"schemaVersion"`
	Name          string    `bson:"name"`
	State         string    `bson:"state"`
	SavePath      string    `bson:"savePath"`
	PathCanonical bool      `bson:"pathCanonical"`
	Source        sourceDoc `bson:"source"`
	Files         []fileDoc `bson:"files"`
	TotalBytes    int64     `bson:"totalBytes"`
	DoneBytes     int64     `bson:"doneBytes"`
	Trackers      []string  `bson:"trackers,omitempty"`
	DownloadLimit int64     `bson:"downloadLimit"`
	UploadLimit   int64     `bson:"uploadLimit"`
	Error         string    `bson:"error,omitempty"`
	CreatedAt     int64     `bson:"createdAt"`
	LastActivity  int64     `bson:"lastActivity"`
	UpdatedAt     int64     `bson:"updatedAt"`
}

type scheduleDoc struct {
	Start string `bson:"start"`
	End   string `bson:"end"`
	DL    int64  `bson:"dl"`
	UL    int64  `bson:"ul"`
}

type settingsDoc struct {
	ID                  string        `bson:"_id"`
	SchemaVersion       int           `bson:"schemaVersion"`
	DownloadPath        string        `bson:"downloadPath"`
	Theme               string        `bson:"theme"`
	GlobalDownloadLimit int64         `bson:"globalDownloadLimit"`
	GlobalUploadLimit   int64         `bson:"globalUploadLimit"`
	BandwidthSchedules  []scheduleDoc `bson:"bandwidthSchedules"`
	UpdatedAt           int64         `bson:"updatedAt"`
}

func NewRepository(client *mongo.Client, dbName, collectionName string) *Repository {
	db := client.Database(dbName)
	return &Repository{
		client:     client,
		collection: db.Collection(collectionName),
		settings:   db.Collection("settings"),
	}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *Repository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "state", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: 1}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

func (r *Repository) SaveTorrent(ctx context.Context, rec domain.TorrentRecord) error {
	rec.SchemaVersion = domain.RecordSchemaVersion
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	doc := toDoc(rec)
	doc.UpdatedAt = time.Now().UTC().Unix()
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (r *Repository) DeleteTorrent(ctx context.Context, ih domain.InfoHash) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": string(ih)})
	return err
}

// LoadTorrents decodes documents one at a time so a malformed one is
// reported and skipped instead of failing the whole cursor.
func (r *Repository) LoadTorrents(ctx context.Context) ([]domain.TorrentRecord, []domain.LoadIssue, error) {
	cur, err := r.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, nil, err
	}
	defer cur.Close(ctx)

	var (
		records []domain.TorrentRecord
		issues  []domain.LoadIssue
	)
	for cur.Next(ctx) {
		key := documentKey(cur.Current)
		var doc torrentDoc
		if err := cur.Decode(&doc); err != nil {
			issues = append(issues, domain.LoadIssue{Key: key, Reason: "decode: " + err.Error()})
			continue
		}
		if doc.SchemaVersion > domain.RecordSchemaVersion {
			issues = append(issues, domain.LoadIssue{Key: key, Reason: fmt.Sprintf("%v: %d is newer than %d", domain.ErrSchemaVersion, doc.SchemaVersion, domain.RecordSchemaVersion)})
			continue
		}
		rec := fromDoc(doc)
		if err := rec.Validate(); err != nil {
			issues = append(issues, domain.LoadIssue{Key: key, Reason: err.Error()})
			continue
		}
		records = append(records, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, nil, err
	}
	return records, issues, nil
}

func documentKey(raw bson.Raw) string {
	if v, err := raw.LookupErr("_id"); err == nil {
		if s, ok := v.StringValueOK(); ok {
			return s
		}
		return v.String()
	}
	return "<unknown>"
}

func (r *Repository) LoadSettings(ctx context.Context) (domain.Settings, bool, error) {
	res := r.settings.FindOne(ctx, bson.M{"_id": settingsID})
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Settings{}, false, nil
		}
		return domain.Settings{}, false, err
	}
	var doc settingsDoc
	if err := res.Decode(&doc); err != nil {
		return domain.Settings{}, false, fmt.Errorf("%w: settings: %v", domain.ErrCorruptRecord, err)
	}
	if doc.SchemaVersion > domain.RecordSchemaVersion {
		return domain.Settings{}, false, fmt.Errorf("%w: settings version %d", domain.ErrSchemaVersion, doc.SchemaVersion)
	}
	s, err := settingsFromDoc(doc)
	if err != nil {
		return domain.Settings{}, false, fmt.Errorf("%w: %w", domain.ErrCorruptRecord, err)
	}
	return s, true, nil
}

func (r *Repository) SaveSettings(ctx context.Context, s domain.Settings) error {
	doc := settingsToDoc(s)
	doc.UpdatedAt = time.Now().Unix()
	_, err := r.settings.ReplaceOne(ctx, bson.M{"_id": settingsID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (r *Repository) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}

func toDoc(t domain.TorrentRecord) torrentDoc {
	files := make([]fileDoc, 0, len(t.Files))
	for _, f := range t.Files {
		files = append(files, fileDoc{
			Index:          f.Index,
			Path:           f.Path,
			Offset:         f.Offset,
			Length:         f.Length,
			BytesCompleted: f.BytesCompleted,
			Priority:       string(f.Priority),
		})
	}
	return torrentDoc{
		ID:            string(t.InfoHash),
		SchemaVersion: domain.RecordSchemaVersion,
		Name:          t.Name,
		State:         string(t.State),
		SavePath:      t.SavePath,
		PathCanonical: t.PathCanonical,
		Source: sourceDoc{
			Kind:        string(t.Source.Kind),
			Magnet:      t.Source.Magnet,
			TorrentPath: t.Source.TorrentPath,
			Trackers:    t.Source.Trackers,
			DisplayName: t.Source.DisplayName,
			Metainfo:    t.Source.Metainfo,
		},
		Files:         files,
		TotalBytes:    t.TotalBytes,
		DoneBytes:     t.DoneBytes,
		Trackers:      t.Trackers,
		DownloadLimit: t.Limits.Download,
		UploadLimit:   t.Limits.Upload,
		Error:         t.Error,
		CreatedAt:     t.CreatedAt.UTC().Unix(),
		LastActivity:  t.LastActivity.UTC().Unix(),
	}
}

func fromDoc(doc torrentDoc) domain.TorrentRecord {
	files := make([]domain.File, 0, len(doc.Files))
	for _, f := range doc.Files {
		files = append(files, domain.File{
			Index:          f.Index,
			Path:           f.Path,
			Offset:         f.Offset,
			Length:         f.Length,
			BytesCompleted: f.BytesCompleted,
			Priority:       domain.FilePriority(f.Priority),
		})
	}

	return domain.TorrentRecord{
		SchemaVersion: doc.SchemaVersion,
		InfoHash:      domain.InfoHash(doc.ID),
		Name:          doc.Name,
		State:         domain.State(doc.State),
		SavePath:      doc.SavePath,
		PathCanonical: doc.PathCanonical,
		Source: domain.Source{
			Kind:        domain.SourceKind(doc.Source.Kind),
			InfoHash:    domain.InfoHash(doc.ID),
			Magnet:      doc.Source.Magnet,
			TorrentPath: doc.Source.TorrentPath,
			Trackers:    doc.Source.Trackers,
			DisplayName: doc.Source.DisplayName,
			Metainfo:    doc.Source.Metainfo,
		},
		Files:        files,
		TotalBytes:   doc.TotalBytes,
		DoneBytes:    doc.DoneBytes,
		Trackers:     doc.Trackers,
		Limits:       domain.Limits{Download: doc.DownloadLimit, Upload: doc.UploadLimit},
		Error:        doc.Error,
		CreatedAt:    timeFromUnix(doc.CreatedAt),
		LastActivity: timeFromUnix(doc.LastActivity),
	}
}

func settingsToDoc(s domain.Settings) settingsDoc {
	schedules := make([]scheduleDoc, 0, len(s.BandwidthSchedules))
	for _, r := range s.BandwidthSchedules {
		schedules = append(schedules, scheduleDoc{Start: r.Start.String(), End: r.End.String(), DL: r.DownloadLimit, UL: r.UploadLimit})
	}
	return settingsDoc{
		ID:                  settingsID,
		SchemaVersion:       domain.RecordSchemaVersion,
		DownloadPath:        s.DownloadPath,
		Theme:               string(s.Theme),
		GlobalDownloadLimit: s.GlobalDownloadLimit,
		GlobalUploadLimit:   s.GlobalUploadLimit,
		BandwidthSchedules:  schedules,
	}
}

func settingsFromDoc(doc settingsDoc) (domain.Settings, error) {
	s := domain.Settings{
		SchemaVersion:       doc.SchemaVersion,
		DownloadPath:        doc.DownloadPath,
		Theme:               domain.Theme(doc.Theme),
		GlobalDownloadLimit: doc.GlobalDownloadLimit,
		GlobalUploadLimit:   doc.GlobalUploadLimit,
		BandwidthSchedules:  make([]domain.ScheduleRule, 0, len(doc.BandwidthSchedules)),
	}
	for i, r := range doc.BandwidthSchedules {
		start, err := domain.ParseClock(r.Start)
		if err != nil {
			return domain.Settings{}, &domain.ScheduleConfigError{Index: i, Field: "start", Value: r.Start, Reason: "stored value is malformed"}
		}
		end, err := domain.ParseClock(r.End)
		if err != nil {
			return domain.Settings{}, &domain.ScheduleConfigError{Index: i, Field: "end", Value: r.End, Reason: "stored value is malformed"}
		}
		s.BandwidthSchedules = append(s.BandwidthSchedules, domain.ScheduleRule{Start: start, End: end, DownloadLimit: r.DL, UploadLimit: r.UL})
	}
	return s, nil
}

func timeFromUnix(value int64) time.Time {
	return time.Unix(value, 0).UTC()
}
