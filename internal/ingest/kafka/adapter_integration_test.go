package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/blacksky-algorithms/rsky-sub000/internal/ingest"
)

type captureHandler struct {
	mu     sync.Mutex
	frames []ingest.Frame
}

func (c *captureHandler) handle(_ context.Context, f ingest.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func TestKafkaContainerIntegration(t *testing.T) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092/tcp"},
		Cmd:          []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M", "--reserve-memory", "0M", "--check=false", "--node-id", "0", "--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor:   wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "9092")
	broker := fmt.Sprintf("%s:%s", host, port.Port())

	producer, err := kgo.NewClient(kgo.SeedBrokers(broker), kgo.DefaultProduceTopic("firehose"))
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer producer.Close()

	frameBody, _ := json.Marshal(ingest.Frame{Kind: ingest.FrameIdentity, Seq: 1, Repo: "did:plc:abc", Handle: "alice.example"})
	if err := producer.ProduceSync(ctx, &kgo.Record{Topic: "firehose", Value: frameBody}).FirstErr(); err != nil {
		t.Fatalf("produce: %v", err)
	}

	capture := &captureHandler{}
	adapter, err := NewAdapter(Config{Enabled: true, Brokers: []string{broker}, Topics: []string{"firehose"}, GroupID: "subsky-it"}, capture.handle, zap.NewNop())
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	consumeCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	go func() { _ = adapter.Run(consumeCtx) }()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-consumeCtx.Done():
			t.Fatal("timed out waiting for relayed frame")
		case <-ticker.C:
			capture.mu.Lock()
			count := len(capture.frames)
			capture.mu.Unlock()
			if count > 0 {
				return
			}
		}
	}
}
