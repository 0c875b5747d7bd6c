package rabbitmq

import (
	"encoding/json"
	"testing"

	"github.com/suPer8Hu/docqa/internal/ingest"
)

func TestDecodeJob(t *testing.T) {
	body, _ := json.Marshal(ingest.Job{DocumentID: "01HZY", Run: 3})

	job, err := DecodeJob(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.DocumentID != "01HZY" || job.Run != 3 {
		t.Fatalf("unexpected job: %+v", job)
	}

	for _, bad := range []string{`{}`, `{"document_id":"x"}`, `{"run":1}`, `not json`} {
		if _, err := DecodeJob([]byte(bad)); err == nil {
			t.Fatalf("expected error for %s", bad)
		}
	}
}

func TestDeadLetterQueue(t *testing.T) {
	if got := DeadLetterQueue("ingest_jobs"); got != "ingest_jobs.dlq" {
		t.Fatalf("unexpected dlq name %q", got)
	}
}
