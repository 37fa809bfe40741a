package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/skshohagmiah/livedoc/internal/config"
	"github.com/skshohagmiah/livedoc/internal/db"
	"github.com/skshohagmiah/livedoc/internal/replication"
	"github.com/skshohagmiah/livedoc/internal/replication/natsremote"
	"github.com/skshohagmiah/livedoc/internal/stream"
)

// openRemote selects the remote from the endpoint scheme
func openRemote(ctx context.Context, rc config.ReplicationConfig) (replication.Remote, error) {
	switch rc.Scheme() {
	case "nats", "tls":
		return natsremote.Connect(ctx, natsremote.Config{
			URL:                rc.Connection.Endpoint,
			StreamName:         rc.StreamName,
			SubjectPrefix:      rc.SubjectPrefix,
			User:               rc.Connection.Credentials.User,
			Password:           rc.Connection.Credentials.Password,
			Token:              rc.Connection.Credentials.Token,
			MaxReconnects:      rc.Connection.Reconnect.MaxAttempts,
			ReconnectWait:      rc.Connection.Reconnect.Wait,
			WaitOnFirstConnect: rc.Connection.WaitOnFirstConnect,
			Timeout:            rc.Connection.Timeout,
		})
	case "badger", "mem":
		return stream.Open(rc.Connection.Endpoint, rc.StreamName, rc.SubjectPrefix)
	default:
		return nil, fmt.Errorf("unsupported endpoint %q", rc.Connection.Endpoint)
	}
}

func sessionOptions(rc config.ReplicationConfig, checkpoints replication.CheckpointStore) replication.Options {
	return replication.Options{
		Identifier:    rc.ReplicationIdentifier,
		Live:          rc.Live,
		PullBatchSize: rc.Pull.BatchSize,
		PushBatchSize: rc.Push.BatchSize,
		PullInterval:  rc.Pull.Interval,
		Retry: replication.Backoff{
			Initial:     rc.Retry.InitialBackoff,
			Max:         rc.Retry.MaxBackoff,
			Factor:      2,
			MaxAttempts: rc.Retry.MaxAttempts,
		},
		Checkpoints: checkpoints,
	}
}

// startReplications starts one session per configured replication. The
// sessions started before a failure are returned along with the error.
func startReplications(ctx context.Context, database *db.Database, configs []config.ReplicationConfig, checkpoints replication.CheckpointStore) ([]*replication.Session, error) {
	var sessions []*replication.Session
	for _, rc := range configs {
		coll, err := database.Collection(rc.Collection)
		if err != nil {
			return sessions, err
		}
		remote, err := openRemote(ctx, rc)
		if err != nil {
			return sessions, fmt.Errorf("replication %s: %w", rc.ReplicationIdentifier, err)
		}
		s, err := replication.NewSession(coll, remote, sessionOptions(rc, checkpoints))
		if err != nil {
			remote.Close()
			return sessions, err
		}
		if err := s.Start(); err != nil {
			remote.Close()
			return sessions, err
		}
		sessions = append(sessions, s)
		go watchSession(s, remote, rc)
	}
	return sessions, nil
}

// watchSession logs the outputs of a session and closes its remote once the
// session is canceled
func watchSession(s *replication.Session, remote replication.Remote, rc config.ReplicationConfig) {
	logger := slog.Default().With("replication", rc.ReplicationIdentifier, "collection", rc.Collection)
	defer func() {
		if err := remote.Close(); err != nil {
			logger.Warn("Failed to close remote", "error", err)
		}
	}()

	errs, sent, received, active := s.Errors(), s.Sent(), s.Received(), s.Active()
	for errs != nil || sent != nil || received != nil || active != nil {
		select {
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn("Replication error", "error", err, "state", s.State())
		case doc, ok := <-sent:
			if !ok {
				sent = nil
				continue
			}
			logger.Debug("Sent", "id", doc.ID(), "rev", doc.Rev())
		case doc, ok := <-received:
			if !ok {
				received = nil
				continue
			}
			logger.Debug("Received", "id", doc.ID(), "rev", doc.Rev())
		case on, ok := <-active:
			if !ok {
				active = nil
				continue
			}
			logger.Debug("Active", "active", on)
		}
	}
	<-s.Canceled()
	logger.Info("Replication finished", "state", s.State(), "checkpoint", s.Checkpoint())
}
