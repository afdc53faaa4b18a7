// Package archive writes processed domain events to S3 as zstd-compressed
// NDJSON before they are deleted from Postgres.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"

	"crewdesk/internal/types"
)

const contentType = "application/x-ndjson"

// S3API is the subset of *s3.Client used by the archiver.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// EventArchiver stores batches of events, one JSON document per line.
type EventArchiver struct {
	s3     S3API
	bucket string
	logger *slog.Logger

	encoderPool sync.Pool
	decoderPool sync.Pool
}

func NewEventArchiver(client S3API, bucket string, logger *slog.Logger) *EventArchiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventArchiver{
		s3:     client,
		bucket: bucket,
		logger: logger.With("component", "event_archive"),
		encoderPool: sync.Pool{
			New: func() any {
				e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
				if err != nil {
					panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
				}
				return e
			},
		},
		decoderPool: sync.Pool{
			New: func() any {
				d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				if err != nil {
					panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
				}
				return d
			},
		},
	}
}

// WriteEvents uploads events under key. An empty batch writes nothing.
func (a *EventArchiver) WriteEvents(ctx context.Context, key string, events []*types.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}

	var raw bytes.Buffer
	enc := json.NewEncoder(&raw)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected,
				fmt.Sprintf("encoding event %s for archive", e.ID), err)
		}
	}

	encoder := a.encoderPool.Get().(*zstd.Encoder)
	compressed := encoder.EncodeAll(raw.Bytes(), make([]byte, 0, raw.Len()/4))
	a.encoderPool.Put(encoder)

	_, err := a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(compressed),
		ContentType:     aws.String(contentType),
		ContentEncoding: aws.String("zstd"),
		Metadata: map[string]string{
			"event-count": fmt.Sprintf("%d", len(events)),
		},
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("uploading event archive %s", key), err)
	}

	a.logger.InfoContext(ctx, "event archive written",
		"key", key,
		"events", len(events),
		"raw_bytes", raw.Len(),
		"compressed_bytes", len(compressed),
	)
	return nil
}

// ReadEvents downloads and decodes an archive object written by WriteEvents.
func (a *EventArchiver) ReadEvents(ctx context.Context, key string) ([]*types.DomainEvent, error) {
	out, err := a.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("fetching event archive %s", key), err)
	}
	defer out.Body.Close()

	compressed, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("reading event archive %s", key), err)
	}

	decoder := a.decoderPool.Get().(*zstd.Decoder)
	raw, err := decoder.DecodeAll(compressed, nil)
	a.decoderPool.Put(decoder)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("decompressing event archive %s", key), err)
	}

	var events []*types.DomainEvent
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e types.DomainEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
				fmt.Sprintf("malformed line in event archive %s", key), err)
		}
		events = append(events, &e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
