// Package main implements the bulk-sender worker: it reads a recipient list,
// submits one message per recipient through the connection pool, and records,
// archives and counts each delivery. Liveness and Prometheus metrics are
// served over HTTP while the run is in progress.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sungwon/smtp-pool/internal/archive"
	"github.com/sungwon/smtp-pool/internal/config"
	"github.com/sungwon/smtp-pool/internal/deliverylog"
	"github.com/sungwon/smtp-pool/internal/logger"
	"github.com/sungwon/smtp-pool/internal/metrics"
	"github.com/sungwon/smtp-pool/internal/ops"
	"github.com/sungwon/smtp-pool/internal/quota"
	"github.com/sungwon/smtp-pool/mailmsg"
	"github.com/sungwon/smtp-pool/pool"
)

func main() {
	var (
		configPath = flag.String("config", "config", "directory containing config.yaml")
		from       = flag.String("from", "", "sender address")
		subject    = flag.String("subject", "", "message subject")
		bodyPath   = flag.String("body", "", "file containing the message body")
		rcptPath   = flag.String("recipients", "", "file with one recipient address per line")
		verify     = flag.Bool("verify", false, "verify connectivity and credentials, then exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewFromConfig(logger.Config{
		Level:     cfg.Logging.Level,
		Output:    cfg.Logging.Output,
		FilePath:  cfg.Logging.FilePath,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
	})
	log.Info().Str("version", pool.Version()).Msg("starting bulk-sender")

	opts, err := poolOptions(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid SMTP configuration")
	}
	p := pool.New(opts)

	if *verify {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.Verify(ctx); err != nil {
			log.Fatal().Err(err).Msg("verification failed")
		}
		log.Info().Msg("verification succeeded")
		return
	}

	if *from == "" || *rcptPath == "" {
		fmt.Fprintln(os.Stderr, "error: --from and --recipients are required")
		flag.Usage()
		os.Exit(2)
	}

	recipients, err := readRecipients(*rcptPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read recipient list")
	}

	var body []byte
	if *bodyPath != "" {
		body, err = os.ReadFile(*bodyPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to read message body")
		}
	}

	var signer *mailmsg.Signer
	if cfg.DKIM.Selector != "" {
		pemKey, err := os.ReadFile(cfg.DKIM.KeyPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to read DKIM key")
		}
		signer, err = mailmsg.NewSigner(cfg.DKIM.Domain, cfg.DKIM.Selector, pemKey)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure DKIM signing")
		}
		log.Info().
			Str("domain", signer.Domain()).
			Str("selector", signer.Selector()).
			Msg("DKIM signing enabled")
	}

	ctx := context.Background()

	// Optional Redis-backed monthly quota.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer redisClient.Close()
	}
	quotaLimiter := quota.NewLimiter(redisClient, quota.Config{
		DefaultMonthlyLimit: cfg.Redis.MonthlyLimit,
	})

	// Optional PostgreSQL delivery log.
	var recorder deliverylog.Recorder = deliverylog.NewMemoryRecorder()
	if cfg.Database.URL != "" {
		pg, err := deliverylog.NewPGRecorder(ctx, cfg.Database.URL, cfg.Database.ConnectTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pg.Close()
		recorder = pg
	}

	// Optional sent-message archive.
	var store archive.Store
	if cfg.Archive.Enabled {
		store, err = archive.New(archive.Config{
			Type:       cfg.Archive.Type,
			Path:       cfg.Archive.Path,
			S3Bucket:   cfg.Archive.S3Bucket,
			S3Prefix:   cfg.Archive.S3Prefix,
			S3Endpoint: cfg.Archive.S3Endpoint,
			S3Region:   cfg.Archive.S3Region,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open sent-message archive")
		}
	}

	// Ops HTTP listener.
	if cfg.Ops.Port > 0 {
		addr := fmt.Sprintf("%s:%d", cfg.Ops.Host, cfg.Ops.Port)
		srv := &http.Server{
			Addr:         addr,
			Handler:      ops.NewRouter(p, log),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", addr).Msg("ops listener started")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("ops listener failed")
			}
		}()
		defer srv.Close()
	}

	// Close the pool on SIGINT/SIGTERM; queued submissions are rejected and
	// their callbacks still fire, so the WaitGroup below always drains.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("shutting down")
		p.Close()
	}()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
		failed    int
	)

	for _, rcpt := range recipients {
		if err := quotaLimiter.Check(ctx, *from, 0); err != nil {
			metrics.QuotaRejectionsTotal.Inc()
			log.Warn().Err(err).Str("to", rcpt).Msg("submission rejected by quota")
			recordEntry(ctx, recorder, log, deliverylog.Entry{
				Sender:     *from,
				Recipients: []string{rcpt},
				Status:     deliverylog.StatusRejected,
				Error:      err.Error(),
			})
			continue
		}

		msg := &mailmsg.Message{
			From:    *from,
			To:      []string{rcpt},
			Subject: *subject,
			Body:    body,
			Signer:  signer,
		}

		rcpt := rcpt
		start := time.Now()
		wg.Add(1)
		p.Send(msg, func(info *pool.Info, err error) {
			defer wg.Done()

			entry := deliverylog.Entry{
				Sender:     *from,
				Recipients: []string{rcpt},
				Duration:   time.Since(start),
			}

			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				entry.Status = deliverylog.StatusFailed
				if errors.Is(err, pool.ErrClosed) {
					entry.Status = deliverylog.StatusRejected
				}
				entry.Error = err.Error()
				log.Error().Err(err).Str("to", rcpt).Msg("delivery failed")
				recordEntry(ctx, recorder, log, entry)
				return
			}

			mu.Lock()
			delivered++
			mu.Unlock()
			entry.MessageID = info.MessageID
			entry.Status = deliverylog.StatusDelivered
			recordEntry(ctx, recorder, log, entry)

			if err := quotaLimiter.Record(ctx, *from); err != nil {
				log.Error().Err(err).Msg("failed to record quota usage")
			}
			if store != nil {
				archiveMessage(ctx, store, log, info.MessageID, msg)
			}
		})
	}

	wg.Wait()
	p.Close()

	log.Info().
		Int("delivered", delivered).
		Int("failed", failed).
		Int("total", len(recipients)).
		Msg("bulk send finished")

	if failed > 0 {
		os.Exit(1)
	}
}

// poolOptions builds pool options from the configuration. When an smtp:// URL
// is set it supplies the endpoint, TLS mode, credentials and EHLO name in
// place of the individual fields; the auth method, debug flag, timeouts and
// pool limits always come from the configuration and replace any values the
// URL's query string carries.
func poolOptions(cfg *config.Config, log zerolog.Logger) (*pool.Options, error) {
	var opts *pool.Options
	if cfg.SMTP.URL != "" {
		parsed, err := pool.ParseURL(cfg.SMTP.URL)
		if err != nil {
			return nil, err
		}
		opts = parsed
	} else {
		opts = &pool.Options{
			Host:      cfg.SMTP.Host,
			Port:      cfg.SMTP.Port,
			Secure:    cfg.SMTP.Secure,
			IgnoreTLS: cfg.SMTP.IgnoreTLS,
			Service:   cfg.SMTP.Service,
			Name:      cfg.SMTP.HelloName,
		}
		if cfg.SMTP.User != "" {
			opts.Auth = &pool.Auth{User: cfg.SMTP.User, Pass: cfg.SMTP.Pass}
		}
	}

	opts.AuthMethod = cfg.SMTP.AuthMethod
	opts.Debug = cfg.SMTP.Debug
	opts.ConnectionTimeout = cfg.SMTP.ConnectionTimeout
	opts.GreetingTimeout = cfg.SMTP.GreetingTimeout
	opts.SocketTimeout = cfg.SMTP.SocketTimeout
	opts.MaxConnections = cfg.Pool.MaxConnections
	opts.MaxMessages = cfg.Pool.MaxMessages
	opts.RateLimit = cfg.Pool.RateLimit
	opts.Logger = &log

	return opts, nil
}

// readRecipients loads one address per line, skipping blanks and comments.
func readRecipients(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var recipients []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if trimmed := trimLine(line); trimmed != "" {
			recipients = append(recipients, trimmed)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients in %s", path)
	}
	return recipients, nil
}

func trimLine(line string) string {
	for i := 0; i < len(line); i++ {
		if line[i] == '#' {
			line = line[:i]
			break
		}
	}
	return trimSpaces(line)
}

func trimSpaces(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}

func recordEntry(ctx context.Context, recorder deliverylog.Recorder, log zerolog.Logger, e deliverylog.Entry) {
	if err := recorder.Record(ctx, e); err != nil {
		log.Error().Err(err).Msg("failed to record delivery")
	}
}

// archiveMessage re-serializes the sent message and writes it to the archive.
func archiveMessage(ctx context.Context, store archive.Store, log zerolog.Logger, messageID string, msg *mailmsg.Message) {
	r, err := msg.Reader()
	if err != nil {
		metrics.ArchiveWritesTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("failed to serialize message for archive")
		return
	}
	data, err := io.ReadAll(r)
	if err != nil {
		metrics.ArchiveWritesTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("failed to serialize message for archive")
		return
	}

	if messageID == "" {
		messageID = fmt.Sprintf("unknown-%d", time.Now().UnixNano())
	}
	if err := store.Put(ctx, messageID, data); err != nil {
		metrics.ArchiveWritesTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("message_id", messageID).Msg("failed to archive message")
		return
	}
	metrics.ArchiveWritesTotal.WithLabelValues("ok").Inc()
}
