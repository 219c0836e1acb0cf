package postgres

import (
	"bytes"
	"testing"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
)

func sampleServices() []domain.ServiceDefinition {
	return []domain.ServiceDefinition{
		{
			Name:       "api",
			Image:      "agent-sandbox:latest",
			Replicas:   2,
			PolicyName: "secure-dev",
			Environment: map[string]string{
				"DB_PASSWORD": "hunter2",
			},
		},
		{
			Name:     "worker",
			Image:    "agent-sandbox:latest",
			Replicas: 1,
		},
	}
}

func TestEncodeServicesSealsEnvironment(t *testing.T) {
	repo := New(nil, "seal-key")
	payload, err := repo.encodeServices(sampleServices())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if bytes.Contains(payload, []byte("hunter2")) {
		t.Fatal("persisted payload contains plaintext environment value")
	}

	decoded, err := repo.decodeServices(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 services, got %d", len(decoded))
	}
	if decoded[0].Environment["DB_PASSWORD"] != "hunter2" {
		t.Fatalf("environment not restored: %v", decoded[0].Environment)
	}
	if decoded[1].Environment != nil {
		t.Fatalf("expected empty environment, got %v", decoded[1].Environment)
	}
	if decoded[0].Name != "api" || decoded[0].Replicas != 2 || decoded[0].PolicyName != "secure-dev" {
		t.Fatalf("service fields not restored: %+v", decoded[0])
	}
}

func TestEncodeServicesPlaintextWithoutKey(t *testing.T) {
	repo := New(nil, "")
	payload, err := repo.encodeServices(sampleServices())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Contains(payload, []byte("hunter2")) {
		t.Fatal("expected plaintext environment when sealing is off")
	}
	decoded, err := repo.decodeServices(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded[0].Environment["DB_PASSWORD"] != "hunter2" {
		t.Fatalf("environment not restored: %v", decoded[0].Environment)
	}
}

func TestDecodeServicesWithWrongKeyFails(t *testing.T) {
	payload, err := New(nil, "key-a").encodeServices(sampleServices())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := New(nil, "key-b").decodeServices(payload); err == nil {
		t.Fatal("expected decode failure under a different seal key")
	}
}
