package transport

import (
	"errors"
	"testing"
)

func TestStreamAllocatorRanges(t *testing.T) {
	a := NewStreamAllocator()

	tests := []struct {
		category Category
		want     int
	}{
		{CategoryControl, ControlStreamID},
		{CategoryChatMessage, ChatStreamMin},
		{CategoryFileTransfer, FileStreamMin},
		{CategoryBotCommand, BotStreamMin},
	}

	for _, tt := range tests {
		t.Run(tt.category.String(), func(t *testing.T) {
			id, err := a.Allocate(tt.category)
			if err != nil {
				t.Fatalf("Allocate failed: %v", err)
			}
			if id != tt.want {
				t.Errorf("Expected id %d, got %d", tt.want, id)
			}
			got, allocated := a.StreamType(id)
			if got != tt.category {
				t.Errorf("Expected category %s, got %s", tt.category, got)
			}
			if !allocated {
				t.Error("Expected id to be allocated")
			}
		})
	}
}

func TestStreamAllocatorDisjointCategories(t *testing.T) {
	a := NewStreamAllocator()

	chat, err := a.Allocate(CategoryChatMessage)
	if err != nil {
		t.Fatalf("Allocate chat failed: %v", err)
	}
	bot, err := a.Allocate(CategoryBotCommand)
	if err != nil {
		t.Fatalf("Allocate bot failed: %v", err)
	}

	if chat != 1 || bot != 200 {
		t.Errorf("Expected ids 1 and 200, got %d and %d", chat, bot)
	}
}

func TestStreamAllocatorReleaseReuse(t *testing.T) {
	a := NewStreamAllocator()

	id, err := a.Allocate(CategoryChatMessage)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := a.Release(id); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if _, allocated := a.StreamType(id); allocated {
		t.Error("Expected released id to report not allocated")
	}
	if a.IsAllocated(id) {
		t.Error("IsAllocated should be false after release")
	}

	again, err := a.Allocate(CategoryChatMessage)
	if err != nil {
		t.Fatalf("second Allocate failed: %v", err)
	}
	if again != id {
		t.Errorf("Expected released id %d to be reused, got %d", id, again)
	}
}

func TestStreamAllocatorRoundRobin(t *testing.T) {
	a := NewStreamAllocator()

	first, _ := a.Allocate(CategoryFileTransfer)
	second, _ := a.Allocate(CategoryFileTransfer)
	if second != first+1 {
		t.Fatalf("Expected consecutive ids, got %d then %d", first, second)
	}

	// scanning resumes at the last issued id, so a lower free id is not
	// picked while a higher one is available
	a.Release(first)
	third, _ := a.Allocate(CategoryFileTransfer)
	if third != second+1 {
		t.Errorf("Expected %d, got %d", second+1, third)
	}
}

func TestStreamAllocatorExhaustion(t *testing.T) {
	a := NewStreamAllocator()

	size := ChatStreamMax - ChatStreamMin + 1
	for i := 0; i < size; i++ {
		if _, err := a.Allocate(CategoryChatMessage); err != nil {
			t.Fatalf("Allocate %d failed: %v", i, err)
		}
	}

	if _, err := a.Allocate(CategoryChatMessage); !errors.Is(err, ErrNoAvailableStreams) {
		t.Fatalf("Expected ErrNoAvailableStreams, got %v", err)
	}

	// other categories are unaffected
	if _, err := a.Allocate(CategoryBotCommand); err != nil {
		t.Errorf("Bot allocation should succeed, got %v", err)
	}

	if err := a.Release(42); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	id, err := a.Allocate(CategoryChatMessage)
	if err != nil {
		t.Fatalf("Expected one more allocation, got %v", err)
	}
	if id != 42 {
		t.Errorf("Expected id 42, got %d", id)
	}
	if _, err := a.Allocate(CategoryChatMessage); !errors.Is(err, ErrNoAvailableStreams) {
		t.Errorf("Expected exhaustion again, got %v", err)
	}
}

func TestStreamAllocatorControlSingleID(t *testing.T) {
	a := NewStreamAllocator()

	if _, err := a.Allocate(CategoryControl); err != nil {
		t.Fatalf("Allocate control failed: %v", err)
	}
	if _, err := a.Allocate(CategoryControl); !errors.Is(err, ErrNoAvailableStreams) {
		t.Errorf("Expected ErrNoAvailableStreams, got %v", err)
	}
}

func TestStreamAllocatorInvalidRelease(t *testing.T) {
	a := NewStreamAllocator()

	if err := a.Release(5); !errors.Is(err, ErrInvalidStreamID) {
		t.Errorf("Expected ErrInvalidStreamID, got %v", err)
	}

	id, _ := a.Allocate(CategoryChatMessage)
	a.Release(id)
	if err := a.Release(id); !errors.Is(err, ErrInvalidStreamID) {
		t.Errorf("Expected ErrInvalidStreamID on double release, got %v", err)
	}
}

func TestStreamAllocatorUnknownCategory(t *testing.T) {
	a := NewStreamAllocator()

	if _, err := a.Allocate(Category(99)); !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("Expected ErrUnknownCategory, got %v", err)
	}
	if c, _ := a.StreamType(5000); c != Category(-1) {
		t.Errorf("Expected out-of-range id to be unclassified, got %d", c)
	}
}

func TestStreamAllocatorReleaseAll(t *testing.T) {
	a := NewStreamAllocator()

	for i := 0; i < 3; i++ {
		a.Allocate(CategoryChatMessage)
	}
	a.Allocate(CategoryBotCommand)

	if n := a.InUse(CategoryChatMessage); n != 3 {
		t.Errorf("Expected 3 chat ids in use, got %d", n)
	}
	if n := a.ReleaseAll(); n != 4 {
		t.Errorf("Expected 4 released, got %d", n)
	}
	rec := a.Allocation(200)
	if rec.Allocated || rec.Category != CategoryBotCommand {
		t.Errorf("Unexpected allocation record %+v", rec)
	}
}
