package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"
	"goa.design/clue/log"

	"goa.design/mongohelpr/config"
	"goa.design/mongohelpr/connection"
	"goa.design/mongohelpr/dotpath"
	"goa.design/mongohelpr/finder"
	"goa.design/mongohelpr/oid"
	"goa.design/mongohelpr/query"
	"goa.design/mongohelpr/schema"
	"goa.design/mongohelpr/sequence"
	redisseq "goa.design/mongohelpr/sequence/redis"
	"goa.design/mongohelpr/telemetry"
)

type (
	app struct {
		configPath string
		debug      bool
	}

	// session holds what a single command needs to reach the store.
	session struct {
		cfg     *config.Config
		conn    *connection.Manager
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
	}
)

// open resolves the configuration and prepares a lazily connected manager.
func (a *app) open(ctx context.Context) (*session, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewOtelMetrics()
	conn, err := connection.New(connection.Options{
		Dial:    connection.Dialer(cfg.Mongo, telemetry.NewDriverSink(ctx, logger)),
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return nil, err
	}
	return &session{
		cfg:     cfg,
		conn:    conn,
		logger:  logger,
		metrics: metrics,
		tracer:  telemetry.NewOtelTracer(),
	}, nil
}

func (s *session) close(ctx context.Context) {
	if err := s.conn.Close(ctx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "close connection"})
	}
}

// withSession runs fn with an open session and closes it afterwards.
func (a *app) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.close(ctx)
	return fn(ctx, s)
}

func (a *app) pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Connect to the configured database and ping the primary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				if err := s.conn.Ping(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok %s\n", s.cfg.Mongo.DB)
				return nil
			})
		},
	}
}

func (a *app) provisionCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the indexes and validators listed in a manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			manifest, err := schema.LoadManifest(f)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				p, err := schema.New(schema.Options{Source: s.conn, Logger: s.logger, Tracer: s.tracer})
				if err != nil {
					return err
				}
				if err := manifest.Apply(ctx, p); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "provisioned %d collection(s)\n", len(manifest.Collections))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "manifest file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (a *app) sequenceCmd() *cobra.Command {
	var backend string
	next := &cobra.Command{
		Use:   "next <entity>",
		Short: "Issue the next sequence value of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				gen, closeFn, err := s.nexter(backend)
				if err != nil {
					return err
				}
				defer closeFn()
				n, err := gen.Next(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
	next.Flags().StringVar(&backend, "backend", "mongo", `counter backend ("mongo" or "redis")`)
	seq := &cobra.Command{
		Use:   "sequence",
		Short: "Sequence counters",
	}
	seq.AddCommand(next)
	return seq
}

func (s *session) nexter(backend string) (sequence.Nexter, func(), error) {
	switch backend {
	case "mongo", "":
		g, err := sequence.New(sequence.Options{
			Source:     s.conn,
			Collection: s.cfg.Mongo.Sequences,
			Logger:     s.logger,
			Metrics:    s.metrics,
			Tracer:     s.tracer,
		})
		return g, func() {}, err
	case "redis":
		if s.cfg.Redis.Addr == "" {
			return nil, nil, errors.New("redis address is required")
		}
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
		})
		c, err := redisseq.New(redisseq.Options{
			Client:  rdb,
			Prefix:  s.cfg.Redis.Prefix,
			Logger:  s.logger,
			Metrics: s.metrics,
		})
		return c, func() { _ = rdb.Close() }, err
	}
	return nil, nil, fmt.Errorf("unknown sequence backend %q", backend)
}

func (a *app) findCmd() *cobra.Command {
	var required, flat bool
	cmd := &cobra.Command{
		Use:   "find <collection> [field=value ...]",
		Short: "Print the single document matching the given fields",
		Long: `Print the single document matching the given fields.

Values of the form /pattern/options match as regular expressions. An _id
value that looks like an ObjectID is converted to one. The command fails
when more than one document matches.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := parseFilter(args[1:])
			if err != nil {
				return err
			}
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				f, err := finder.New(finder.Options{Source: s.conn, Logger: s.logger, Tracer: s.tracer})
				if err != nil {
					return err
				}
				doc, err := f.FindOne(ctx, finder.Lookup{Collection: args[0], Query: q, Required: required})
				if err != nil {
					return err
				}
				return printDocument(cmd, doc, flat)
			})
		},
	}
	cmd.Flags().BoolVar(&required, "required", false, "fail when no document matches")
	cmd.Flags().BoolVar(&flat, "flat", false, "print one dotted path per line")
	return cmd
}

func (a *app) countCmd() *cobra.Command {
	var none bool
	cmd := &cobra.Command{
		Use:   "count <collection> [field=value ...]",
		Short: "Count the documents matching the given fields",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := parseFilter(args[1:])
			if err != nil {
				return err
			}
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				f, err := finder.New(finder.Options{Source: s.conn, Logger: s.logger, Tracer: s.tracer})
				if err != nil {
					return err
				}
				l := finder.Lookup{Collection: args[0], Query: q}
				if none {
					return f.AssertNone(ctx, l)
				}
				n, err := f.Count(ctx, l)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&none, "none", false, "fail when any document matches instead of printing the count")
	return cmd
}

// parseFilter builds an equality filter from field=value arguments. Repeating
// a field matches any of its values.
func parseFilter(args []string) (bson.M, error) {
	q := bson.M{}
	alternatives := map[string][]bson.M{}
	var order []string
	for _, arg := range args {
		field, raw, ok := strings.Cut(arg, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid filter %q, expected field=value", arg)
		}
		var (
			value any
			err   error
		)
		if field == "_id" && raw != "" {
			value, err = oid.From(raw, false)
		} else {
			value, err = query.ParseParam(raw)
		}
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", arg, err)
		}
		if _, seen := alternatives[field]; !seen {
			order = append(order, field)
		}
		alternatives[field] = append(alternatives[field], bson.M{field: value})
	}
	for _, field := range order {
		alts := alternatives[field]
		if len(alts) == 1 {
			q[field] = alts[0][field]
			continue
		}
		q = query.PushOrs(q, alts...)
	}
	return q, nil
}

func printDocument(cmd *cobra.Command, doc bson.M, flat bool) error {
	out := cmd.OutOrStdout()
	if doc == nil {
		fmt.Fprintln(out, "null")
		return nil
	}
	if flat {
		for _, e := range dotpath.Flatten(doc) {
			fmt.Fprintf(out, "%s=%v\n", e.Key, e.Value)
		}
		return nil
	}
	b, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(b))
	return nil
}
