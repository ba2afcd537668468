package progress

import (
	"context"
	"fmt"
	"time"
)

type countingSink struct {
	pages int
}

func (s *countingSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		if evt.Stage == StagePageDone {
			s.pages++
		}
	}
	return nil
}

func (s *countingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit shows events being delivered when the hub closes.
func ExampleHub_Emit() {
	runID, err := ParseRunID("00000000-0000-7000-8000-000000000001")
	if err != nil {
		panic(err)
	}
	sink := &countingSink{}
	hub := NewHub(HubConfig{MaxBatchWait: time.Minute}, sink)

	for _, u := range []string{"https://shop.test/p/a", "https://shop.test/p/b"} {
		hub.Emit(Event{RunID: runID, TS: time.Unix(0, 0), Stage: StagePageDone, URL: u, Site: SiteOf(u)})
	}
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}
	fmt.Println(sink.pages)
	// Output: 2
}
