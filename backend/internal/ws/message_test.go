package ws

import (
	"encoding/json"
	"errors"
	"testing"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sealed(t *testing.T) store.Revision {
	t.Helper()
	rev, err := store.Revision{
		DocumentID:     "doc-m",
		RevisionID:     4,
		BaseRevisionID: 3,
		Delta:          delta.New().Retain(2, nil).Insert("xy", delta.Attributes{"bold": true}).Delete(1).Delta(),
		ClientID:       "client-a",
	}.Seal()
	require.NoError(t, err)
	return rev
}

func TestRevisionSurvivesEnvelope(t *testing.T) {
	rev := sealed(t)
	p, err := EncodeRevision(rev)
	require.NoError(t, err)

	raw, err := json.Marshal(Envelope{Type: TypeRevision, DocID: rev.DocumentID, Revision: p})
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))

	got, err := env.Revision.Decode()
	require.NoError(t, err)
	require.NoError(t, got.Verify())
	assert.Equal(t, rev.Checksum, got.Checksum)
	assert.Equal(t, rev.Delta, got.Delta)
	assert.Equal(t, "client-a", got.ClientID)
}

func TestTamperedRevisionFailsVerification(t *testing.T) {
	p, err := EncodeRevision(sealed(t))
	require.NoError(t, err)
	p.BaseRevisionID = 2

	got, err := p.Decode()
	require.NoError(t, err)
	assert.ErrorIs(t, got.Verify(), store.ErrChecksumMismatch)
}

func TestDecodeMissingPayload(t *testing.T) {
	var p *RevisionPayload
	_, err := p.Decode()
	assert.Error(t, err)
}

func TestRecordsDecodeAsAcked(t *testing.T) {
	rev := sealed(t)
	ps, err := EncodeRecords([]store.Record{{Revision: rev, State: store.StateSync, Snapshot: true}})
	require.NoError(t, err)
	recs, err := DecodeRecords(ps)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, store.StateAcked, recs[0].State)
	assert.True(t, recs[0].Snapshot)
}

func TestRejectCodes(t *testing.T) {
	for _, cause := range []error{collab.ErrBaseMismatch, store.ErrChecksumMismatch, collab.ErrBusy} {
		assert.ErrorIs(t, rejectError(rejectCode(cause)), cause)
	}
	assert.Equal(t, CodeInvalid, rejectCode(errors.New("boom")))
	assert.ErrorContains(t, rejectError(CodeInvalid), CodeInvalid)
}
