package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/kazi/internal/domain"
)

// WorkerSelector picks the worker an assignment should land on. The registry
// implements it, with liveness tracking and the operator-configured fallback.
type WorkerSelector interface {
	NextAvailable(ctx context.Context) (*domain.Worker, error)
}

// Builtin plans known task kinds without an LLM. It is the fallback planner
// when the primary planner is unavailable, and returns ErrNoPlan for task
// kinds it does not recognize.
type Builtin struct {
	masterURL string
	selector  WorkerSelector
	logger    *slog.Logger
}

// NewBuiltin creates the builtin planner. The selector may be nil; selection
// then falls back to the worker list handed to Plan.
func NewBuiltin(masterURL string, selector WorkerSelector, logger *slog.Logger) *Builtin {
	return &Builtin{masterURL: masterURL, selector: selector, logger: logger}
}

// slideshowPayload is the typed shape of a slideshow task's Extra field.
type slideshowPayload struct {
	Images     []string
	Narrations []string
	TTSKey     string
	VoiceID    string
	MaxSlideMS int
}

// renderPayload is the typed shape of a render task's Extra field.
type renderPayload struct {
	HTMLSource string
	DurationS  int
}

// Plan matches the task against the builtin plan catalogue.
func (b *Builtin) Plan(ctx context.Context, task *domain.Task, workers []domain.Worker, artifactDir string) (*domain.Plan, error) {
	if p, ok := decodeSlideshow(task); ok {
		worker, err := b.pickWorker(ctx, workers)
		if err != nil {
			return nil, err
		}
		return b.slideshowPlan(task, p, worker, artifactDir), nil
	}
	if p, ok := decodeRender(task); ok {
		worker, err := b.pickWorker(ctx, workers)
		if err != nil {
			return nil, err
		}
		return b.renderPlan(task, p, worker, artifactDir), nil
	}
	return nil, fmt.Errorf("kind %q: %w", task.Kind, ErrNoPlan)
}

// pickWorker routes selection through the registry selector, which owns the
// operator-configured fallback for a silent fleet. Without a selector the
// listed workers decide: an active one first, then the first listed.
func (b *Builtin) pickWorker(ctx context.Context, workers []domain.Worker) (domain.Worker, error) {
	if b.selector != nil {
		w, err := b.selector.NextAvailable(ctx)
		if err != nil {
			return domain.Worker{}, fmt.Errorf("selecting worker: %w", err)
		}
		if w != nil && w.ID != "" {
			return *w, nil
		}
	}
	for _, w := range workers {
		if w.Status == "" || w.Status == "active" {
			return w, nil
		}
	}
	if len(workers) > 0 {
		return workers[0], nil
	}
	return domain.Worker{}, errors.New("no worker available for assignment")
}

// decodeSlideshow accepts kind "image_slideshow", or any task whose Extra
// carries parallel image and narration lists.
func decodeSlideshow(task *domain.Task) (slideshowPayload, bool) {
	extra := task.Extra
	imgs := stringList(extra["images"])
	narrs := stringList(extra["narrations"])

	if task.Kind != "image_slideshow" && (len(imgs) == 0 || len(narrs) == 0) {
		return slideshowPayload{}, false
	}
	n := min(len(imgs), len(narrs))
	if n == 0 {
		return slideshowPayload{}, false
	}

	p := slideshowPayload{
		Images:     imgs[:n],
		Narrations: narrs[:n],
		TTSKey:     stringField(extra, "tts_key"),
		VoiceID:    stringField(extra, "voice_id"),
		MaxSlideMS: intField(extra, "max_slide_ms", 8000),
	}
	return p, true
}

// decodeRender requires the explicit "render" kind plus HTML source;
// description matching alone is not enough to commit a worker to a render.
func decodeRender(task *domain.Task) (renderPayload, bool) {
	if task.Kind != "render" {
		return renderPayload{}, false
	}
	src := stringField(task.Extra, "html_source")
	if src == "" {
		return renderPayload{}, false
	}
	return renderPayload{
		HTMLSource: src,
		DurationS:  intField(task.Extra, "duration_s", 15),
	}, true
}

func (b *Builtin) slideshowPlan(task *domain.Task, p slideshowPayload, worker domain.Worker, artifactDir string) *domain.Plan {
	n := len(p.Images)
	maxSec := float64(p.MaxSlideMS) / 1000

	var sb strings.Builder
	fmt.Fprintf(&sb, `#!/bin/bash
set -e
TASK_ID="${1:-%s}"
MASTER=%q
ARTIFACT_DIR=%q
OUT_VIDEO="$ARTIFACT_DIR/output.mp4"
TTS_KEY=%q
VOICE_ID=%q

report() { curl -sX POST "$MASTER/tasks/$TASK_ID/state" -H 'Content-Type: application/json' -d "{\"to\":\"$1\",\"note\":\"$2\"}" > /dev/null 2>&1 || true; }

mkdir -p "$ARTIFACT_DIR/audio"
echo "[$(date -u +%%H:%%M:%%S)] Starting slideshow task $TASK_ID"

report "installing_deps" "apt-get install ffmpeg python3"
DEBIAN_FRONTEND=noninteractive apt-get install -y -qq ffmpeg python3 2>/dev/null

tts() {
  local TEXT="$1" OUT="$2"
  python3 -c "import json,sys; print(json.dumps({'text': sys.argv[1], 'model_id': 'eleven_multilingual_v2'}))" "$TEXT" | \
    curl -sX POST "https://api.elevenlabs.io/v1/text-to-speech/$VOICE_ID" \
      -H "xi-api-key: $TTS_KEY" -H "Content-Type: application/json" \
      -d @- -o "$OUT"
}
`, task.ID, b.masterURL, artifactDir, p.TTSKey, p.VoiceID)

	fmt.Fprintf(&sb, "\nreport \"copying_images\" \"copying %d source images\"\n", n)
	for i, img := range p.Images {
		fmt.Fprintf(&sb, "cp %q \"$ARTIFACT_DIR/img%d.png\"\n", img, i+1)
	}

	fmt.Fprintf(&sb, "\nreport \"generating_audio\" \"TTS for %d slides\"\n", n)
	for i, narr := range p.Narrations {
		idx := i + 1
		fmt.Fprintf(&sb, `NARR%d=%q
tts "$NARR%d" "$ARTIFACT_DIR/audio/slide%d.mp3"
[ ! -s "$ARTIFACT_DIR/audio/slide%d.mp3" ] && { report "failed" "TTS failed for slide %d"; exit 1; }
A%d=$(ffprobe -v error -show_entries format=duration -of csv=p=0 "$ARTIFACT_DIR/audio/slide%d.mp3" 2>/dev/null)
D%d=$(python3 -c "print(round(min(float('$A%d'), %.3f), 3))")
`, idx, narr, idx, idx, idx, idx, idx, idx, idx, idx, maxSec)
	}

	for i := 1; i <= n; i++ {
		fmt.Fprintf(&sb, `
report "rendering_slide_%d" "ffmpeg image %d + audio"
ffmpeg -y -loop 1 -i "$ARTIFACT_DIR/img%d.png" -i "$ARTIFACT_DIR/audio/slide%d.mp3" \
  -c:v libx264 -preset fast -crf 22 -c:a aac -b:a 128k \
  -vf "scale=1280:720:force_original_aspect_ratio=decrease,pad=1280:720:-1:-1:color=black,setsar=1" \
  -pix_fmt yuv420p -t $D%d \
  "$ARTIFACT_DIR/seg%d.mp4" 2>&1 | tail -2
`, i, i, i, i, i, i)
	}

	fmt.Fprintf(&sb, "\nreport \"concatenating\" \"ffmpeg concat %d segments\"\n", n)
	sb.WriteString("CONCAT=\"$ARTIFACT_DIR/concat.txt\"\n: > \"$CONCAT\"\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&sb, "echo \"file '$ARTIFACT_DIR/seg%d.mp4'\" >> \"$CONCAT\"\n", i)
	}
	sb.WriteString(`
ffmpeg -y -f concat -safe 0 -i "$CONCAT" \
  -c:v libx264 -c:a aac -b:a 128k -movflags +faststart \
  "$OUT_VIDEO" 2>&1 | tail -5

SIZE=$(du -h "$OUT_VIDEO" | cut -f1)
report "done" "MP4 ready: $OUT_VIDEO ($SIZE)"
`)

	return &domain.Plan{
		Summary: fmt.Sprintf("Render %d-image slideshow with narration on %s", n, worker.ID),
		NotifyMessage: fmt.Sprintf(
			"Plan: image slideshow\n%s renders %d slides (max %.0fs each)\nSteps: installing_deps, copying_images, generating_audio, rendering, concatenating\nArtifact: %s/output.mp4",
			worker.ID, n, maxSec, artifactDir),
		ArtifactDir: artifactDir,
		Assignments: []domain.WorkerAssignment{
			{WorkerID: worker.ID, Role: "renderer", Script: sb.String()},
		},
	}
}

func (b *Builtin) renderPlan(task *domain.Task, p renderPayload, worker domain.Worker, artifactDir string) *domain.Plan {
	frames := p.DurationS * 30

	script := fmt.Sprintf(`#!/bin/bash
set -e
TASK_ID="${1:-%s}"
MASTER=%q
ARTIFACT_DIR=%q
OUT_VIDEO="$ARTIFACT_DIR/output.mp4"

report() { curl -sX POST "$MASTER/tasks/$TASK_ID/state" -H 'Content-Type: application/json' -d "{\"to\":\"$1\",\"note\":\"$2\"}" > /dev/null 2>&1 || true; }

mkdir -p "$ARTIFACT_DIR/frames"
echo "[$(date -u +%%H:%%M:%%S)] Starting render task $TASK_ID"

report "installing_deps" "apt-get install chromium-browser ffmpeg"
DEBIAN_FRONTEND=noninteractive apt-get install -y -qq chromium-browser ffmpeg 2>/dev/null

report "installing_puppeteer" "npm install puppeteer-core"
cd "$ARTIFACT_DIR"
npm install --no-save puppeteer-core > /dev/null 2>&1

cat > "$ARTIFACT_DIR/page.html" << 'HTMLEOF'
%s
HTMLEOF

cat > "$ARTIFACT_DIR/capture.js" << 'JSEOF'
const puppeteer = require('puppeteer-core');
(async () => {
  const browser = await puppeteer.launch({
    executablePath: '/usr/bin/chromium-browser',
    args: ['--no-sandbox', '--disable-dev-shm-usage'],
  });
  const page = await browser.newPage();
  await page.setViewport({ width: 1280, height: 720 });
  await page.goto('file://' + process.env.ARTIFACT_DIR + '/page.html');
  const total = %d;
  for (let i = 0; i < total; i++) {
    await page.screenshot({ path: process.env.ARTIFACT_DIR + '/frames/frame_' + String(i).padStart(5, '0') + '.png' });
    await new Promise(r => setTimeout(r, 33));
  }
  await browser.close();
})();
JSEOF

report "capturing_frames" "rendering %d frames via puppeteer"
ARTIFACT_DIR="$ARTIFACT_DIR" node "$ARTIFACT_DIR/capture.js"
[ -s "$ARTIFACT_DIR/frames/frame_00000.png" ] || { report "failed" "frame capture produced no output"; exit 1; }

report "encoding_video" "ffmpeg H.264 encode"
ffmpeg -y -framerate 30 -i "$ARTIFACT_DIR/frames/frame_%%05d.png" \
  -c:v libx264 -pix_fmt yuv420p -movflags +faststart \
  "$OUT_VIDEO" 2>&1 | tail -5

SIZE=$(du -h "$OUT_VIDEO" | cut -f1)
report "done" "MP4 ready: $OUT_VIDEO ($SIZE)"
`, task.ID, b.masterURL, artifactDir, p.HTMLSource, frames, frames)

	return &domain.Plan{
		Summary: fmt.Sprintf("Render HTML to %ds video on %s", p.DurationS, worker.ID),
		NotifyMessage: fmt.Sprintf(
			"Plan: HTML render\n%s captures %d frames and encodes MP4\nSteps: installing_deps, installing_puppeteer, capturing_frames, encoding_video\nArtifact: %s/output.mp4",
			worker.ID, frames, artifactDir),
		ArtifactDir: artifactDir,
		Assignments: []domain.WorkerAssignment{
			{WorkerID: worker.ID, Role: "renderer", Script: script},
		},
	}
}

// --- Extra payload decoding helpers ---

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func stringField(extra map[string]any, key string) string {
	if s, ok := extra[key].(string); ok {
		return s
	}
	return ""
}

func intField(extra map[string]any, key string, def int) int {
	switch n := extra[key].(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return def
	}
}
