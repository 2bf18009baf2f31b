package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"pgregory.net/rapid"

	"github.com/gmcompanion/livesession/internal/platform/errors"
	"github.com/gmcompanion/livesession/internal/session/domain"
)

// Randomized concurrent submitters racing setNote mutations: whatever subset
// wins, every subscriber must observe the identical gap-free strictly
// increasing version sequence, and the accepted count must match the highest
// version.
func TestOrderingUnderConcurrentSubmitters(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		submitters := rapid.IntRange(1, 5).Draw(t, "submitters")
		perSubmitter := rapid.IntRange(1, 10).Draw(t, "perSubmitter")
		subscribers := rapid.IntRange(1, 4).Draw(t, "subscribers")

		ctx := context.Background()
		h := New(Options{RingSize: submitters*perSubmitter + 1})
		if err := h.Open(testSession("sess-prop")); err != nil {
			t.Fatalf("open session: %v", err)
		}
		defer h.Remove("sess-prop")

		subs := make([]*Subscription, subscribers)
		for i := range subs {
			sub, _, err := h.Subscribe(ctx, "sess-prop", fmt.Sprintf("conn-%d", i), fmt.Sprintf("part-%d", i), domain.RolePlayer, 0)
			if err != nil {
				t.Fatalf("subscribe %d: %v", i, err)
			}
			subs[i] = sub
		}

		var wg sync.WaitGroup
		accepted := make(chan uint64, submitters*perSubmitter)
		for s := 0; s < submitters; s++ {
			wg.Add(1)
			go func(submitter int) {
				defer wg.Done()
				for i := 0; i < perSubmitter; i++ {
					// Retry on stale version, rereading the current
					// version from the rejection metadata.
					base := uint64(0)
					for {
						payload, _ := json.Marshal(SetNotePayload{
							Field: fmt.Sprintf("note-%d", submitter),
							Text:  fmt.Sprintf("entry %d", i),
						})
						delta, err := h.Apply(ctx, "sess-prop", Mutation{
							ParticipantID: fmt.Sprintf("part-%d", submitter),
							Role:          domain.RolePlayer,
							BaseVersion:   base,
							Kind:          MutationSetNote,
							Payload:       payload,
						})
						if err == nil {
							accepted <- delta.ToVersion
							break
						}
						var appErr *errors.Error
						if !errors.As(err, &appErr) || appErr.Code != errors.CodeStaleVersion {
							t.Errorf("unexpected apply error: %v", err)
							return
						}
						if _, scanErr := fmt.Sscanf(appErr.Metadata["current_version"], "%d", &base); scanErr != nil {
							t.Errorf("stale rejection without current version: %v", err)
							return
						}
					}
				}
			}(s)
		}
		wg.Wait()
		close(accepted)

		total := submitters * perSubmitter
		acceptedVersions := make(map[uint64]bool, total)
		for v := range accepted {
			acceptedVersions[v] = true
		}
		if len(acceptedVersions) != total {
			t.Fatalf("expected %d distinct accepted versions, got %d", total, len(acceptedVersions))
		}

		h.Close("sess-prop", "done")

		for i, sub := range subs {
			var versions []uint64
			for delta := range sub.C {
				if delta.Kind == DeltaSessionClosed {
					break
				}
				versions = append(versions, delta.ToVersion)
			}
			if len(versions) != total {
				t.Fatalf("subscriber %d saw %d deltas, want %d", i, len(versions), total)
			}
			for j, v := range versions {
				if v != uint64(j+1) {
					t.Fatalf("subscriber %d saw version %d at position %d", i, v, j)
				}
				if !acceptedVersions[v] {
					t.Fatalf("subscriber %d saw unaccepted version %d", i, v)
				}
			}
		}
	})
}
