package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jkaninda/kazi/internal/domain"
)

// buildPlanPrompt renders the planning prompt: the task, the worker fleet,
// the reporting protocol, and the strict output contract.
func buildPlanPrompt(task *domain.Task, workers []domain.Worker, artifactDir, masterURL string) string {
	var workerInfo strings.Builder
	for _, w := range workers {
		fmt.Fprintf(&workerInfo, "  - %s host=%s status=%s skills=[%s]\n",
			w.ID, w.Host, w.Status, strings.Join(w.Skills, ","))
	}
	if workerInfo.Len() == 0 {
		workerInfo.WriteString("  (none registered; assume a single default worker)\n")
	}

	extraJSON, _ := json.Marshal(task.Extra)

	return fmt.Sprintf(`You are the master orchestrator for a fleet of Ubuntu worker VMs.

## TASK
ID: %s
Title: %s
Description: %s
Kind: %s
Extra: %s

## AVAILABLE WORKERS
%s
## ENVIRONMENT
- OS: Ubuntu 22.04, bash, Node.js, npm, apt-get (run non-interactive)
- Shared artifact dir for this task (writable on all nodes): %s/
- Each worker MUST write logs to its own file: %s/run-WORKERID.log
- Master API: %s

## HOW WORKERS REPORT PROGRESS
The subtask ID is passed to every script as argument 1. Report freeform
snake_case states at every step:
  TASK_ID="${1}"
  report() { curl -sX POST %s/tasks/$TASK_ID/state -H 'Content-Type: application/json' -d "{\"to\":\"$1\",\"note\":\"$2\"}" 2>/dev/null || true; }

## YOUR JOB
1. Assign a DISTINCT role to every available worker; all run in parallel.
   Use sentinel files (touch ARTIFACT_DIR/X_ready) so dependent workers can
   poll and wait for each other.
2. For each worker write a COMPLETE, SELF-CONTAINED bash script that:
   - Starts with #!/bin/bash and set -e
   - Generates all required files from scratch; never rely on pre-existing
     files unless they are listed in the task Extra payload
   - Reports descriptive states at every step via report()
   - Saves all output under %s/
   - Ends with report "done" "..." on success or report "failed" "reason"
3. Never fabricate placeholder output (no silent audio, no solid-colour
   video). If a required external call fails, exit 1 immediately.

Return ONLY raw valid JSON (no markdown fences, no commentary):
{
  "plan_summary": "one sentence",
  "notify_message": "human-friendly plan announcement with worker names",
  "artifact_dir": "%s/",
  "worker_assignments": [
    {"worker_id": "...", "role": "...", "script": "#!/bin/bash\nset -e\nTASK_ID=\"${1}\"\n..."}
  ]
}`,
		task.ID, task.Title, task.Description, task.Kind, string(extraJSON),
		workerInfo.String(),
		artifactDir, artifactDir, masterURL, masterURL,
		artifactDir, artifactDir,
	)
}
