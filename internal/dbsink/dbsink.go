// Package dbsink implements the relational database sink (spec.md section
// 4.7): a task that consumes decoded input readings from a dedicated
// channel and appends them to a SQL table, driver selected by the
// configured URL's scheme. Grounded on the pack's sqlx/pgx/mysql/sqlite
// manifests (skyhook-io-radar, malbeclabs-lake, Tutu-Engine-tutuengine)
// and the same gobreaker circuit-breaker shape used by internal/influxsink.
package dbsink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/lxp-bridge/bridge/internal/bridgeerr"
	"github.com/lxp-bridge/bridge/internal/config"
	"github.com/lxp-bridge/bridge/internal/protocol"
	"github.com/lxp-bridge/bridge/internal/reading"
)

const (
	queueCapacity    = 256
	breakerThreshold = 5
	breakerReset     = 30 * time.Second
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS inverter_inputs (
	datalog TEXT NOT NULL,
	register INTEGER NOT NULL,
	value INTEGER NOT NULL,
	recorded_at TIMESTAMP NOT NULL
)`

const insertSQL = `INSERT INTO inverter_inputs (datalog, register, value, recorded_at) VALUES (?, ?, ?, ?)`

// StatsRecorder is the slice of internal/coordinator.Stats the sink
// mutates; satisfied structurally so this package never imports coordinator.
type StatsRecorder interface {
	IncDatabaseWrites()
	IncDatabaseErrors()
}

// Sink owns one SQL connection pool and the queue of readings awaiting
// insertion. A nil *Sink is valid and Enqueue/Run on it are no-ops.
type Sink struct {
	db      *sqlx.DB
	breaker *gobreaker.CircuitBreaker
	queue   chan reading.Input
	stats   StatsRecorder
	log     zerolog.Logger
}

// driverFor maps a database URL's scheme to the registered sqlx/database-sql
// driver name and the data source name that driver expects (spec.md
// section 6: "the URL scheme selects the driver"). Schemes are matched by
// prefix rather than net/url.Parse because the mysql driver's DSN syntax
// (user:pass@tcp(host:port)/db) isn't itself a valid URL authority.
func driverFor(rawURL string) (driverName, dsn string, err error) {
	switch {
	case strings.HasPrefix(rawURL, "postgres://"), strings.HasPrefix(rawURL, "postgresql://"):
		return "pgx", rawURL, nil
	case strings.HasPrefix(rawURL, "mysql://"):
		return "mysql", strings.TrimPrefix(rawURL, "mysql://"), nil
	case strings.HasPrefix(rawURL, "sqlite://"):
		return "sqlite", strings.TrimPrefix(rawURL, "sqlite://"), nil
	case strings.HasPrefix(rawURL, "sqlite:"):
		return "sqlite", strings.TrimPrefix(rawURL, "sqlite:"), nil
	default:
		scheme, _, _ := strings.Cut(rawURL, "://")
		return "", "", bridgeerr.New(bridgeerr.KindConfig, fmt.Sprintf("unsupported database url scheme %q", scheme))
	}
}

// New opens cfg's database, creates the inverter_inputs table if missing,
// and returns a Sink ready for Run. If cfg is disabled, New returns
// (nil, nil).
func New(cfg config.Database, stats StatsRecorder, log zerolog.Logger) (*Sink, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	driverName, dsn, err := driverFor(cfg.URL)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindSinkError, "failed to connect to database", err)
	}

	if _, err := db.Exec(db.Rebind(createTableSQL)); err != nil {
		db.Close()
		return nil, bridgeerr.Wrap(bridgeerr.KindSinkError, "failed to create inverter_inputs table", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "database:" + driverName,
		Timeout: breakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerThreshold
		},
	})

	return &Sink{
		db:      db,
		breaker: breaker,
		queue:   make(chan reading.Input, queueCapacity),
		stats:   stats,
		log:     log,
	}, nil
}

// Enqueue hands r to the write task. When the queue is full the oldest
// pending reading is dropped to make room, and an error is counted —
// back-pressure never blocks the coordinator (spec.md section 4.7).
func (s *Sink) Enqueue(r reading.Input) {
	if s == nil {
		return
	}
	select {
	case s.queue <- r:
		return
	default:
	}

	select {
	case <-s.queue:
	default:
	}
	select {
	case s.queue <- r:
	default:
	}
	s.stats.IncDatabaseErrors()
}

// Run drains the queue until ctx is cancelled, then closes the connection
// pool.
func (s *Sink) Run(ctx context.Context) {
	if s == nil {
		return
	}
	defer s.db.Close()

	for {
		select {
		case r := <-s.queue:
			s.write(ctx, r)
		case <-ctx.Done():
			return
		}
	}
}

// Multi fans one Enqueue out to one Sink per configured database (spec.md
// section 4.7's "one task per configured database"). The zero value (a nil
// Multi) is a valid, inert ReadingSink.
type Multi []*Sink

// NewMulti opens one Sink per entry in cfgs, sharing stats and log across
// all of them. Disabled entries are skipped since New returns (nil, nil)
// for those.
func NewMulti(cfgs []config.Database, stats StatsRecorder, log zerolog.Logger) (Multi, error) {
	var out Multi
	for _, cfg := range cfgs {
		sink, err := New(cfg, stats, log)
		if err != nil {
			return nil, err
		}
		if sink != nil {
			out = append(out, sink)
		}
	}
	return out, nil
}

// Enqueue hands r to every underlying Sink.
func (m Multi) Enqueue(r reading.Input) {
	for _, s := range m {
		s.Enqueue(r)
	}
}

// Run drains every underlying Sink concurrently until ctx is cancelled.
func (m Multi) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range m {
		wg.Add(1)
		go func(s *Sink) {
			defer wg.Done()
			s.Run(ctx)
		}(s)
	}
	wg.Wait()
}

func (s *Sink) write(ctx context.Context, r reading.Input) {
	td := &protocol.TranslatedData{Register: r.Register, Values: r.Values}
	pairs := td.Pairs()

	_, err := s.breaker.Execute(func() (interface{}, error) {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, err
		}

		stmt := s.db.Rebind(insertSQL)
		for _, rv := range pairs {
			if _, err := tx.ExecContext(ctx, stmt, r.Datalog, rv.Register, rv.Value, r.Time); err != nil {
				tx.Rollback()
				return nil, err
			}
		}
		return nil, tx.Commit()
	})
	if err != nil {
		s.log.Error().Err(err).Str("datalog", r.Datalog).Msg("database write rejected")
		s.stats.IncDatabaseErrors()
		return
	}
	s.stats.IncDatabaseWrites()
}
