package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yajmaan/sevaflow/internal/client"
	"github.com/yajmaan/sevaflow/internal/model"
)

// inflight records the highest number of concurrent provider calls
type inflight struct {
	cur atomic.Int32
	max atomic.Int32
}

func (t *inflight) enter() {
	n := t.cur.Add(1)
	for {
		m := t.max.Load()
		if n <= m || t.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (t *inflight) leave() { t.cur.Add(-1) }

type fakeSource struct {
	mu    sync.Mutex
	calls map[string]int
	errs  map[string][]error
	delay time.Duration
	track *inflight
	hook  func(call int)
}

func newFakeSource(track *inflight) *fakeSource {
	return &fakeSource{calls: map[string]int{}, errs: map[string][]error{}, track: track}
}

func (f *fakeSource) Fetch(_ context.Context, url string) (*client.Video, error) {
	f.track.enter()
	defer f.track.leave()
	time.Sleep(f.delay)

	f.mu.Lock()
	n := f.calls[url]
	f.calls[url]++
	errs := f.errs[url]
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if n < len(errs) {
		return nil, errs[n]
	}
	return client.DetectVideo(client.MockMP4)
}

func (f *fakeSource) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

// fakeHosting keeps one object per key. A failed upload may leave a partial
// object behind until Discard removes it.
type fakeHosting struct {
	mu       sync.Mutex
	uploads  map[string]int
	objects  map[string]bool
	discards map[string]int
	errs     []error
	partial  bool
	delay    time.Duration
	track    *inflight
	hook     func(key string)
}

func newFakeHosting(track *inflight) *fakeHosting {
	return &fakeHosting{
		uploads:  map[string]int{},
		objects:  map[string]bool{},
		discards: map[string]int{},
		track:    track,
	}
}

func (f *fakeHosting) Upload(_ context.Context, key string, body io.Reader, size int64, _ string) (string, error) {
	f.track.enter()
	defer f.track.leave()
	time.Sleep(f.delay)

	data, err := io.ReadAll(body)
	if err != nil || int64(len(data)) != size {
		return "", fmt.Errorf("short body: %d of %d", len(data), size)
	}

	f.mu.Lock()
	n := f.uploads[key]
	f.uploads[key]++
	var uploadErr error
	if n < len(f.errs) {
		uploadErr = f.errs[n]
	}
	if uploadErr == nil || f.partial {
		f.objects[key] = true
	}
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(key)
	}
	if uploadErr != nil {
		return "", uploadErr
	}
	return "https://cdn.test/" + key, nil
}

func (f *fakeHosting) Discard(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discards[key]++
	delete(f.objects, key)
	return nil
}

func (f *fakeHosting) Uploads() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.uploads))
	for k, v := range f.uploads {
		out[k] = v
	}
	return out
}

func (f *fakeHosting) Objects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

type fakeMessenger struct {
	mu    sync.Mutex
	calls map[string]int
	errs  map[string][]error
	sent  []client.TemplateMessage
	delay time.Duration
	track *inflight
	hook  func(msg client.TemplateMessage)
}

func newFakeMessenger(track *inflight) *fakeMessenger {
	return &fakeMessenger{calls: map[string]int{}, errs: map[string][]error{}, track: track}
}

func (f *fakeMessenger) SendTemplated(_ context.Context, msg client.TemplateMessage) (string, error) {
	f.track.enter()
	defer f.track.leave()
	time.Sleep(f.delay)

	f.mu.Lock()
	n := f.calls[msg.Phone]
	f.calls[msg.Phone]++
	errs := f.errs[msg.Phone]
	hook := f.hook
	if n >= len(errs) {
		f.sent = append(f.sent, msg)
	}
	f.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	if n < len(errs) {
		return "", errs[n]
	}
	return fmt.Sprintf("msg-%s-%d", msg.Phone, n), nil
}

func (f *fakeMessenger) Calls(phone string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[phone]
}

func (f *fakeMessenger) Sent() []client.TemplateMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]client.TemplateMessage(nil), f.sent...)
}

type harness struct {
	track     *inflight
	source    *fakeSource
	hosting   *fakeHosting
	messenger *fakeMessenger
}

func newHarness() *harness {
	track := &inflight{}
	return &harness{
		track:     track,
		source:    newFakeSource(track),
		hosting:   newFakeHosting(track),
		messenger: newFakeMessenger(track),
	}
}

func (h *harness) deps() Dependencies {
	return Dependencies{Source: h.source, Hosting: h.hosting, Messaging: h.messenger}
}

var testTemplate = &model.TemplateConfig{
	TempleID:     "46",
	Header:       "Seva for {{name}}",
	Description:  "Namaste {{name}}, watch your seva: {{video_link}}",
	TemplateName: "seva_video_v1",
}

const testVideoURL = "https://canva.example/v1"

func testItems(n int) []model.WorkItem {
	items := make([]model.WorkItem, n)
	for i := range items {
		rec := model.UserRecord{
			Name:        fmt.Sprintf("Devotee %d", i),
			CountryCode: "91",
			PhoneNumber: fmt.Sprintf("98765%05d", i),
			BatchID:     "B1",
			TempleID:    "46",
		}
		items[i] = model.WorkItem{
			ID:       fmt.Sprintf("item-%02d", i),
			Seq:      i,
			Record:   rec,
			Link:     model.BatchLink{BatchID: "B1", SourceVideoURL: testVideoURL},
			Template: testTemplate,
		}
	}
	return items
}

func testOptions(concurrency int) Options {
	return Options{
		BatchID:      "batch-1",
		Concurrency:  concurrency,
		Retry:        RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond},
		CallTimeout:  time.Second,
		KeyPrefix:    "seva-videos",
		ParseDetails: "test items",
	}
}
