package session

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"torrentdesk/internal/domain"
	"torrentdesk/internal/metrics"
)

const globalLane = "global"

// op is one control operation on a lane. prepare and finish run on the loop;
// the work prepare returns runs on its own goroutine. A nil work completes the
// op immediately with prepare's error.
type op struct {
	name    string
	key     string
	prepare func() (work func(context.Context) error, err error)
	finish  func(err error) error
	reply   chan error
}

// lane admits one in-flight op per key; later ops wait in FIFO order. A
// fenced lane additionally waits for the engine's detached event.
type lane struct {
	busy   bool
	fenced bool
	queue  []*op
}

func newOp(name, key string) *op {
	return &op{name: name, key: key, reply: make(chan error, 1)}
}

// submit enqueues o and waits for its result.
func (s *Session) submit(ctx context.Context, o *op) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !s.post(func() { s.enqueue(o) }) {
		return domain.ErrClosed
	}
	select {
	case err := <-o.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return domain.ErrClosed
	}
}

func (s *Session) enqueue(o *op) {
	l := s.lanes[o.key]
	if l == nil {
		l = &lane{}
		s.lanes[o.key] = l
	}
	l.queue = append(l.queue, o)
	s.drain(o.key)
}

func (s *Session) drain(key string) {
	l := s.lanes[key]
	if l == nil {
		return
	}
	for !l.busy && !l.fenced && len(l.queue) > 0 {
		next := l.queue[0]
		l.queue = l.queue[1:]
		s.startOp(l, next)
	}
	if !l.busy && !l.fenced && len(l.queue) == 0 {
		delete(s.lanes, key)
	}
}

func (s *Session) startOp(l *lane, o *op) {
	work, err := o.prepare()
	if err != nil || work == nil {
		if err == nil && o.finish != nil {
			err = o.finish(nil)
		}
		s.complete(o, err)
		return
	}

	l.busy = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, span := s.tracer.Start(s.ctx, "session."+o.name,
			trace.WithAttributes(attribute.String("lane", o.key)),
		)
		err := work(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		posted := s.post(func() {
			res := err
			if o.finish != nil {
				res = o.finish(err)
			}
			l.busy = false
			s.complete(o, res)
			s.drain(o.key)
		})
		if !posted {
			s.complete(o, domain.ErrClosed)
		}
	}()
}

func (s *Session) complete(o *op, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(domain.ReasonOf(err))
	}
	metrics.CommandsTotal.WithLabelValues(o.name, outcome).Inc()
	if o.reply != nil {
		select {
		case o.reply <- err:
		default:
		}
	}
}

// fence holds the lane of a detached infohash until the engine confirms the
// attachment is gone.
func (s *Session) fence(ih domain.InfoHash) {
	key := string(ih)
	l := s.lanes[key]
	if l == nil {
		l = &lane{}
		s.lanes[key] = l
	}
	l.fenced = true
	if t := s.fences[ih]; t != nil {
		t.Stop()
	}
	s.fences[ih] = time.AfterFunc(s.opts.FenceTimeout, func() {
		s.post(func() {
			if _, ok := s.fences[ih]; !ok {
				return
			}
			s.logger.Warn("detached event not received, releasing lane",
				slog.String("infoHash", ih.Short()),
			)
			s.releaseFence(ih)
		})
	})
}

func (s *Session) releaseFence(ih domain.InfoHash) bool {
	t, ok := s.fences[ih]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.fences, ih)
	if l := s.lanes[string(ih)]; l != nil {
		l.fenced = false
		s.drain(string(ih))
	}
	return true
}
