package queue

import (
	"testing"

	"github.com/google/uuid"
)

func TestDecodeJob(t *testing.T) {
	id := uuid.New()
	job, err := decodeJob([]string{QueueRunPipeline, `{"id":"` + uuid.NewString() + `","type":"run_pipeline","project_id":"` + id.String() + `"}`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.ProjectID != id || job.Type != "run_pipeline" {
		t.Errorf("unexpected job %+v", job)
	}

	bad := [][]string{
		{QueueRunPipeline},
		{QueueRunPipeline, "not json"},
		{QueueRunPipeline, `{"type":"run_pipeline"}`},
	}
	for _, result := range bad {
		if _, err := decodeJob(result); err == nil {
			t.Errorf("expected error for %v", result)
		}
	}
}

func TestHeartbeatKey(t *testing.T) {
	id := uuid.New()
	if got := heartbeatKey(id); got != "heartbeat:"+id.String() {
		t.Errorf("unexpected key %s", got)
	}
}
