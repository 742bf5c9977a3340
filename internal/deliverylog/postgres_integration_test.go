//go:build integration

package deliverylog

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testDSN string

// TestMain starts a shared PostgreSQL container for the integration tests.
func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get mapped port: %v\n", err)
		os.Exit(1)
	}
	testDSN = fmt.Sprintf("postgres://test:test@%s:%s/test?sslmode=disable", host, port.Port())

	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func TestPGRecorder_RecordAndQuery(t *testing.T) {
	ctx := context.Background()

	rec, err := NewPGRecorder(ctx, testDSN, 10*time.Second)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	defer rec.Close()

	err = rec.Record(ctx, Entry{
		MessageID:  "it-1@example.com",
		Sender:     "a@example.com",
		Recipients: []string{"b@example.com", "c@example.com"},
		Status:     StatusDelivered,
		Duration:   80 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	var count int
	row := rec.pool.QueryRow(ctx,
		"SELECT count(*) FROM delivery_log WHERE message_id = $1 AND status = $2",
		"it-1@example.com", string(StatusDelivered))
	if err := row.Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestPGRecorder_SchemaIsIdempotent(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		rec, err := NewPGRecorder(ctx, testDSN, 10*time.Second)
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		rec.Close()
	}
}
