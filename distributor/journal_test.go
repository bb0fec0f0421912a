package distributor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	journal, err := OpenJournal(path)
	require.NoError(t, err)
	require.NoError(t, journal.RecordBatch(JournalBatch{
		ArrayID:        4,
		BatchNumber:    1,
		Plugin:         "slurm",
		SubmittedAt:    time.Now().UTC().Truncate(time.Second),
		DistributorIDs: map[int64]string{11: "4242_0", 12: "4242_1"},
	}))
	require.NoError(t, journal.RecordBatch(JournalBatch{
		ArrayID:        9,
		BatchNumber:    3,
		Plugin:         "slurm",
		DistributorIDs: map[int64]string{21: "4243_0"},
	}))
	require.NoError(t, journal.Close())

	journal, err = OpenJournal(path)
	require.NoError(t, err)
	defer journal.Close()

	batches, err := journal.Outstanding()
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, int64(4), batches[0].ArrayID)
	assert.Equal(t, map[int64]string{11: "4242_0", 12: "4242_1"}, batches[0].DistributorIDs)
	assert.Equal(t, "slurm", batches[0].Plugin)
}

func TestJournalRecordOverwritesSameBatch(t *testing.T) {
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer journal.Close()

	require.NoError(t, journal.RecordBatch(JournalBatch{ArrayID: 4, BatchNumber: 1, DistributorIDs: map[int64]string{11: "1_0"}}))
	require.NoError(t, journal.RecordBatch(JournalBatch{ArrayID: 4, BatchNumber: 1, DistributorIDs: map[int64]string{11: "2_0"}}))

	batches, err := journal.Outstanding()
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "2_0", batches[0].DistributorIDs[11])
}

func TestJournalPathForRun(t *testing.T) {
	assert.Equal(t, "jobmon-distributor-run5.db", JournalPathForRun("jobmon-distributor.db", 5))
	assert.Equal(t, "/var/lib/jobmon/journal-run12.db", JournalPathForRun("/var/lib/jobmon/journal.db", 12))
	assert.Equal(t, "journal-run3", JournalPathForRun("journal", 3))
}

func TestJournalRemoveBatch(t *testing.T) {
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer journal.Close()

	require.NoError(t, journal.RecordBatch(JournalBatch{ArrayID: 4, BatchNumber: 1}))
	require.NoError(t, journal.RemoveBatch(4, 1))
	require.NoError(t, journal.RemoveBatch(4, 2), "removing an absent batch is not an error")

	batches, err := journal.Outstanding()
	require.NoError(t, err)
	assert.Empty(t, batches)
}
