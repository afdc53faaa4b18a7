package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewdesk/internal/types"
)

type memS3 struct {
	objects map[string][]byte
	puts    []*s3.PutObjectInput
	putErr  error
}

func newMemS3() *memS3 { return &memS3{objects: map[string][]byte{}} }

func (m *memS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[aws.ToString(in.Key)] = body
	m.puts = append(m.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func testEvents() []*types.DomainEvent {
	processed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return []*types.DomainEvent{
		{
			ID: "evt_1", Type: types.EventJobCompleted, OrganizationID: "org_1",
			AggregateType: types.AggregateServiceJob, AggregateID: "sj_1",
			Data:      json.RawMessage(`{"service_job_id":"sj_1","customer_id":"cus_1"}`),
			CreatedAt: processed.Add(-time.Minute), ProcessedAt: &processed,
		},
		{
			ID: "evt_2", Type: types.EventInvoicePaid, OrganizationID: "org_1",
			AggregateType: types.AggregateInvoice, AggregateID: "inv_1",
			Data:      json.RawMessage(`{"invoice_id":"inv_1"}`),
			CreatedAt: processed, ProcessedAt: &processed,
		},
	}
}

func TestWriteEvents_UploadsZstdNDJSON(t *testing.T) {
	store := newMemS3()
	a := NewEventArchiver(store, "crewdesk-archive", nil)

	require.NoError(t, a.WriteEvents(context.Background(), "events/2026/01/02/a.ndjson.zst", testEvents()))

	require.Len(t, store.puts, 1)
	put := store.puts[0]
	assert.Equal(t, "crewdesk-archive", aws.ToString(put.Bucket))
	assert.Equal(t, "zstd", aws.ToString(put.ContentEncoding))
	assert.Equal(t, "2", put.Metadata["event-count"])

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	raw, err := dec.DecodeAll(store.objects["events/2026/01/02/a.ndjson.zst"], nil)
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), `"id":"evt_1"`)
	assert.Contains(t, string(lines[1]), `"type":"invoice_paid"`)
}

func TestWriteEvents_EmptyBatchIsNoop(t *testing.T) {
	store := newMemS3()
	a := NewEventArchiver(store, "b", nil)

	require.NoError(t, a.WriteEvents(context.Background(), "k", nil))
	assert.Empty(t, store.puts)
}

func TestWriteEvents_UploadFailure(t *testing.T) {
	store := newMemS3()
	store.putErr = errors.New("AccessDenied")
	a := NewEventArchiver(store, "b", nil)

	err := a.WriteEvents(context.Background(), "k", testEvents())
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, appErr.Code)
}

func TestReadEvents_RestoresWrittenBatch(t *testing.T) {
	store := newMemS3()
	a := NewEventArchiver(store, "b", nil)
	in := testEvents()
	require.NoError(t, a.WriteEvents(context.Background(), "k", in))

	out, err := a.ReadEvents(context.Background(), "k")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "evt_1", out[0].ID)
	assert.Equal(t, types.EventInvoicePaid, out[1].Type)
	assert.JSONEq(t, string(in[1].Data), string(out[1].Data))
	require.NotNil(t, out[0].ProcessedAt)
	assert.True(t, in[0].ProcessedAt.Equal(*out[0].ProcessedAt))
}

func TestReadEvents_MissingObject(t *testing.T) {
	a := NewEventArchiver(newMemS3(), "b", nil)

	_, err := a.ReadEvents(context.Background(), "missing")
	assert.Error(t, err)
}
