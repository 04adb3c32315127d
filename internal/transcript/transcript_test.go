package transcript

import (
	"fmt"
	"sync"
	"testing"
)

func TestFilter(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello there", "hello there"},
		{"known tags", "Hello [MUSIC] world [sound] [Noise]", "Hello world"},
		{"known sounds", "(clicking) yes ( music playing ) no", "yes no"},
		{"any bracket", "one [inaudible] two (laughs) three", "one two three"},
		{"non greedy", "a [b] c [d] e", "a c e"},
		{"whitespace", "  lots \t of\n space  ", "lots of space"},
		{"tags only", "[MUSIC] (clicking)", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Filter(tc.in); got != tc.want {
				t.Fatalf("Filter(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestMergeExample(t *testing.T) {
	s := NewState(true)
	if !s.Merge("Hello [MUSIC] world (clicking) today") {
		t.Fatal("expected merge to apply")
	}
	snap := s.Snapshot()
	if snap.Raw != "Hello [MUSIC] world (clicking) today " {
		t.Fatalf("unexpected raw %q", snap.Raw)
	}
	if snap.Filtered != "Hello world today " {
		t.Fatalf("unexpected filtered %q", snap.Filtered)
	}
	if snap.Active() != snap.Filtered || snap.Mode != ModeFiltered {
		t.Fatalf("unexpected display %q / %q", snap.Active(), snap.Mode)
	}
}

func TestMergeIgnoresBlank(t *testing.T) {
	s := NewState(true)
	calls := 0
	s.AddListener(ListenerFunc(func(Update) { calls++ }))
	if s.Merge("   \n\t") || s.Merge("") {
		t.Fatal("blank text should not merge")
	}
	if calls != 0 {
		t.Fatalf("listeners notified %d times for blank text", calls)
	}
}

func TestMergeTagsOnly(t *testing.T) {
	s := NewState(true)
	s.Merge("[MUSIC]")
	snap := s.Snapshot()
	if snap.Raw != "[MUSIC] " || snap.Filtered != "" {
		t.Fatalf("unexpected buffers raw=%q filtered=%q", snap.Raw, snap.Filtered)
	}
}

func TestClearThenReplay(t *testing.T) {
	inputs := []string{" first ", "[Sound] second", "(clicking)", "third (laughs)"}
	s := NewState(true)
	for _, in := range inputs {
		s.Merge(in)
	}
	before := s.Snapshot()

	s.Clear()
	cleared := s.Snapshot()
	if cleared.Raw != "" || cleared.Filtered != "" {
		t.Fatalf("clear left %q / %q", cleared.Raw, cleared.Filtered)
	}

	for _, in := range inputs {
		s.Merge(in)
	}
	after := s.Snapshot()
	if after.Raw != before.Raw || after.Filtered != before.Filtered {
		t.Fatalf("replay differs: %q/%q vs %q/%q", after.Raw, after.Filtered, before.Raw, before.Filtered)
	}
	if after.Filtered != "first second third " {
		t.Fatalf("unexpected filtered %q", after.Filtered)
	}
}

func TestListenersSeeBothBuffers(t *testing.T) {
	s := NewState(false)
	var updates []Update
	s.AddListener(ListenerFunc(func(u Update) { updates = append(updates, u) }))

	s.Merge("hi [MUSIC]")
	s.SetFilterMode(true)
	s.Clear()

	if len(updates) != 3 {
		t.Fatalf("expected 3 updates, got %d", len(updates))
	}
	if updates[0].Raw != "hi [MUSIC] " || updates[0].Filtered != "hi " || updates[0].Mode != ModeRaw {
		t.Fatalf("unexpected merge update %+v", updates[0])
	}
	if updates[0].Active() != "hi [MUSIC] " {
		t.Fatalf("raw mode should show raw text, got %q", updates[0].Active())
	}
	if !updates[1].FilterMode || updates[1].Mode != ModeFiltered {
		t.Fatalf("unexpected mode update %+v", updates[1])
	}
	if updates[2].Raw != "" || updates[2].Filtered != "" {
		t.Fatalf("unexpected clear update %+v", updates[2])
	}
}

func TestConcurrentWritersDeliverLatestLast(t *testing.T) {
	for round := 0; round < 50; round++ {
		s := NewState(true)
		var (
			mu   sync.Mutex
			last Update
			seen uint64
		)
		s.AddListener(ListenerFunc(func(u Update) {
			mu.Lock()
			defer mu.Unlock()
			if u.Version <= seen {
				t.Errorf("version %d delivered after %d", u.Version, seen)
			}
			seen = u.Version
			last = u
		}))

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				s.Merge(fmt.Sprintf("word%d", i))
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				s.SetFilterMode(i%2 == 0)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				s.Clear()
			}
		}()
		wg.Wait()

		want := s.Snapshot()
		mu.Lock()
		got := last
		mu.Unlock()
		if got.Version != want.Version || got.Raw != want.Raw || got.Filtered != want.Filtered || got.FilterMode != want.FilterMode {
			t.Fatalf("round %d: last update %+v, snapshot %+v", round, got, want)
		}
	}
}

func TestNotifySkipsStaleUpdates(t *testing.T) {
	s := NewState(true)
	older, _ := s.Append("first")
	newer, _ := s.Append("second")

	var got []uint64
	s.AddListener(ListenerFunc(func(u Update) { got = append(got, u.Version) }))
	s.Notify(newer)
	s.Notify(older)

	if len(got) != 1 || got[0] != newer.Version {
		t.Fatalf("delivered versions %v, want only %d", got, newer.Version)
	}
}
