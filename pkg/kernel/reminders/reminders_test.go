package reminders

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
	"github.com/dialogkernel/kernel/pkg/kernel/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(t.TempDir(), nil)
}

func TestValidateRejectsBothOrNeitherOfCronAndAt(t *testing.T) {
	s := Spec{ID: "r1", Text: "x"}
	assert.Error(t, s.Validate(), "expected error when neither Cron nor At is set")

	s.Cron = "* * * * *"
	s.At = time.Now()
	assert.Error(t, s.Validate(), "expected error when both Cron and At are set")
}

func TestValidateRejectsBadCron(t *testing.T) {
	s := Spec{ID: "r1", Text: "x", Cron: "not a cron"}
	assert.Error(t, s.Validate())
}

func TestTickFiresOneShotOnceThenStopsRepeating(t *testing.T) {
	st := newTestStore(t)
	sch := New(st)
	ref := store.Ref{RootSelfID: "r1"}
	require.NoError(t, st.EnsureDialogDir(ref, dialog.StatusRunning))

	due := time.Now().Add(-time.Minute)
	require.NoError(t, sch.Add(Spec{ID: "one", Ref: ref, Status: dialog.StatusRunning, Text: "renew contract", At: due}))

	ctx := context.Background()
	assert.Empty(t, sch.Tick(ctx, time.Now()))
	got, err := st.ReadReminders(ref, dialog.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, []string{"renew contract"}, got)

	assert.Empty(t, sch.Tick(ctx, time.Now()))
	got, err = st.ReadReminders(ref, dialog.StatusRunning)
	require.NoError(t, err)
	assert.Empty(t, got, "one-shot reminder must not repeat on a later tick")
}

func TestTickEvaluatesRecurringCronEveryMinute(t *testing.T) {
	st := newTestStore(t)
	sch := New(st)
	ref := store.Ref{RootSelfID: "r1"}
	require.NoError(t, st.EnsureDialogDir(ref, dialog.StatusRunning))
	require.NoError(t, sch.Add(Spec{ID: "every-min", Ref: ref, Status: dialog.StatusRunning, Text: "standup", Cron: "* * * * *"}))

	ctx := context.Background()
	assert.Empty(t, sch.Tick(ctx, time.Now()))
	got, err := st.ReadReminders(ref, dialog.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, []string{"standup"}, got)
}

func TestRemoveDropsSpecFromFutureTicks(t *testing.T) {
	st := newTestStore(t)
	sch := New(st)
	ref := store.Ref{RootSelfID: "r1"}
	require.NoError(t, st.EnsureDialogDir(ref, dialog.StatusRunning))
	require.NoError(t, sch.Add(Spec{ID: "every-min", Ref: ref, Status: dialog.StatusRunning, Text: "standup", Cron: "* * * * *"}))
	sch.Remove(ref, "every-min")

	assert.Empty(t, sch.Tick(context.Background(), time.Now()))
	got, err := st.ReadReminders(ref, dialog.StatusRunning)
	require.NoError(t, err)
	assert.Empty(t, got)
}
