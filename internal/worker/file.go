/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/percolationlabs/percolate/internal/blob"
	"github.com/percolationlabs/percolate/internal/memory"
	"github.com/percolationlabs/percolate/internal/queue"
	"github.com/percolationlabs/percolate/internal/store"
)

// Extractor turns raw bytes into plain text. Extraction itself (PDF, OCR)
// is an external collaborator; PlainTextExtractor covers text content.
type Extractor interface {
	Extract(ctx context.Context, data []byte, contentType string) (string, error)
}

// PlainTextExtractor passes text content through unchanged.
type PlainTextExtractor struct{}

// Extract returns the bytes as a string for textual content types.
func (PlainTextExtractor) Extract(_ context.Context, data []byte, contentType string) (string, error) {
	if contentType != "" && !strings.HasPrefix(contentType, "text/") &&
		!strings.Contains(contentType, "json") && !strings.Contains(contentType, "markdown") {
		return "", fmt.Errorf("worker: unsupported content type %q", contentType)
	}
	return string(data), nil
}

const (
	chunkSize    = 2000
	chunkOverlap = 200
	// summaryExcerpt caps how much of the first chunk lands in the upload
	// moment summary.
	summaryExcerpt = 500
)

// FileProcessor handles file_processing tasks: fetch the blob, extract,
// chunk into resources, and record a content_upload moment.
type FileProcessor struct {
	entities  *store.Store
	blobs     blob.Storage
	extractor Extractor
	log       *zap.SugaredLogger
}

// NewFileProcessor creates a FileProcessor.
func NewFileProcessor(entities *store.Store, blobs blob.Storage, extractor Extractor, log *zap.SugaredLogger) *FileProcessor {
	if extractor == nil {
		extractor = PlainTextExtractor{}
	}
	return &FileProcessor{entities: entities, blobs: blobs, extractor: extractor, log: log}
}

// Handle processes one file task. Payload: {"file_id": ...}.
func (p *FileProcessor) Handle(ctx context.Context, task *queue.Task) (map[string]any, error) {
	fileID, _ := task.Payload["file_id"].(string)
	if fileID == "" {
		return nil, fmt.Errorf("worker: file task %s missing file_id", task.ID)
	}

	file, err := p.entities.Get(ctx, "files", fileID)
	if err != nil {
		return nil, fmt.Errorf("worker: load file %s: %w", fileID, err)
	}

	uri := file.StringField("uri")
	data, err := p.blobs.Get(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("worker: fetch blob %s: %w", uri, err)
	}

	text, err := p.extractor.Extract(ctx, data, file.StringField("content_type"))
	if err != nil {
		p.markFailed(ctx, file, err)
		return nil, err
	}

	chunks := ChunkText(text, chunkSize, chunkOverlap)
	category := file.StringField("category")
	for i, chunk := range chunks {
		resource := &store.Entity{
			ID:       store.DeterministicID("resources", fmt.Sprintf("%s:%d", fileID, i), file.UserID),
			Table:    "resources",
			Name:     fmt.Sprintf("%s#%d", file.Name, i),
			TenantID: file.TenantID,
			UserID:   file.UserID,
			GraphEdges: []store.GraphEdge{
				{Target: fileID, Relation: "chunk_of"},
			},
		}
		resource.SetField("content", chunk)
		resource.SetField("ordinal", i)
		resource.SetField("file_id", fileID)
		if category != "" {
			resource.SetField("category", category)
		}
		if err := p.entities.Upsert(ctx, resource); err != nil {
			return nil, fmt.Errorf("worker: upsert chunk %d of %s: %w", i, fileID, err)
		}
	}

	if err := p.recordUploadMoment(ctx, file, chunks); err != nil {
		return nil, err
	}

	file.SetField("parsed_content", text)
	file.SetField("processing_status", "completed")
	if err := p.entities.Upsert(ctx, file); err != nil {
		return nil, fmt.Errorf("worker: complete file %s: %w", fileID, err)
	}

	p.log.Infow("file processed", "file", fileID, "chunks", len(chunks))
	return map[string]any{"chunks": len(chunks)}, nil
}

// recordUploadMoment writes the content_upload moment linking the upload
// into the user's feed.
func (p *FileProcessor) recordUploadMoment(ctx context.Context, file *store.Entity, chunks []string) error {
	excerpt := ""
	if len(chunks) > 0 {
		excerpt = chunks[0]
		if len(excerpt) > summaryExcerpt {
			excerpt = excerpt[:summaryExcerpt]
		}
	}

	name := fmt.Sprintf("upload-%s-%s", file.Name, time.Now().UTC().Format("20060102"))
	moment := &store.Entity{
		ID:       store.DeterministicID("moments", name, file.UserID),
		Table:    "moments",
		Name:     name,
		TenantID: file.TenantID,
		UserID:   file.UserID,
		Metadata: map[string]any{
			"file_id":     file.ID,
			"chunk_count": len(chunks),
		},
		GraphEdges: []store.GraphEdge{
			{Target: file.ID, Relation: "uploaded"},
		},
	}
	moment.SetField("moment_type", memory.MomentContentUpload)
	moment.SetField("summary", fmt.Sprintf("Resources: %s (%d chunks)\n%s", file.Name, len(chunks), excerpt))
	if err := p.entities.Upsert(ctx, moment); err != nil {
		return fmt.Errorf("worker: record upload moment for %s: %w", file.ID, err)
	}
	return nil
}

func (p *FileProcessor) markFailed(ctx context.Context, file *store.Entity, cause error) {
	file.SetField("processing_status", "failed")
	file.SetField("processing_error", cause.Error())
	if err := p.entities.Upsert(ctx, file); err != nil {
		p.log.Errorw("mark file failed", "file", file.ID, "error", err)
	}
}

// ChunkText splits text into overlapping chunks, breaking on whitespace
// near the boundary when possible.
func ChunkText(text string, size, overlap int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 || len(text) <= size {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			chunks = append(chunks, text[start:])
			break
		}
		// Back up to the nearest whitespace inside the last tenth.
		cut := end
		for i := end; i > end-size/10 && i > start; i-- {
			if text[i-1] == ' ' || text[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, text[start:cut])
		next := cut - overlap
		if next <= start {
			next = cut
		}
		start = next
	}
	return chunks
}
