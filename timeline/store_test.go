package timeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordThenGetEventsReturnsOldestFirst(t *testing.T) {
	s := NewStore(10)
	s.Record(Event{TaskID: "t1", Stage: StageSubmitted})
	s.Record(Event{TaskID: "t2", Stage: StageSubmitted})
	s.Record(Event{TaskID: "t1", Stage: StageCompleted})

	got := s.GetEvents("t1")
	require.Len(t, got, 2)
	require.Equal(t, StageSubmitted, got[0].Stage)
	require.Equal(t, StageCompleted, got[1].Stage)
}

func TestGetEventsByGroupFiltersAcrossTasks(t *testing.T) {
	s := NewStore(10)
	s.Record(Event{TaskID: "t1", Group: "g1", Stage: StageSubmitted})
	s.Record(Event{TaskID: "t2", Group: "g2", Stage: StageSubmitted})
	s.Record(Event{TaskID: "t3", Group: "g1", Stage: StageCompleted})

	got := s.GetEventsByGroup("g1")
	require.Len(t, got, 2)
	require.Equal(t, "t1", got[0].TaskID)
	require.Equal(t, "t3", got[1].TaskID)
}

func TestRingBufferOverwritesOldestOnceFull(t *testing.T) {
	s := NewStore(3)
	s.Record(Event{TaskID: "t1"})
	s.Record(Event{TaskID: "t2"})
	s.Record(Event{TaskID: "t3"})
	s.Record(Event{TaskID: "t4"}) // overwrites t1's slot

	all := s.GetAllEvents()
	require.Len(t, all, 3)
	ids := []string{all[0].TaskID, all[1].TaskID, all[2].TaskID}
	require.Equal(t, []string{"t2", "t3", "t4"}, ids)
}

func TestNewStoreDefaultsZeroCapacity(t *testing.T) {
	s := NewStore(0)
	require.Equal(t, 10000, s.capacity)
}

func TestRecordStampsTimestampWhenZero(t *testing.T) {
	s := NewStore(10)
	s.Record(Event{TaskID: "t1"})
	got := s.GetEvents("t1")
	require.Len(t, got, 1)
	require.False(t, got[0].Timestamp.IsZero())
}
