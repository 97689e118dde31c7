// Package rag is the document pipeline: chunking uploaded files, indexing
// chunks in an embedded vector store, and serving scoped similarity search.
package rag

import "strings"

// Chunker splits text into line-aligned chunks of roughly Size bytes with
// Overlap bytes repeated across boundaries. Chunks never split mid-line.
type Chunker struct {
	Size    int
	Overlap int
}

func NewChunker() *Chunker {
	return &Chunker{Size: 1500, Overlap: 200}
}

// Chunk splits content. Empty content yields no chunks.
func (c *Chunker) Chunk(content string) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if len(content) <= c.Size {
		return []string{content}
	}

	lines := strings.Split(content, "\n")
	var chunks []string
	var current strings.Builder
	fresh := false // current holds lines beyond carried overlap

	flush := func(nextStart int) {
		chunks = append(chunks, strings.TrimRight(current.String(), "\n"))
		current.Reset()
		fresh = false

		// Carry trailing lines back in as overlap.
		if c.Overlap > 0 {
			overlap := 0
			start := nextStart
			for start > 0 && overlap < c.Overlap {
				overlap += len(lines[start-1]) + 1
				start--
			}
			for i := start; i < nextStart; i++ {
				current.WriteString(lines[i])
				current.WriteString("\n")
			}
		}
	}

	for i, line := range lines {
		if fresh && current.Len()+len(line)+1 > c.Size {
			flush(i)
		}
		current.WriteString(line)
		current.WriteString("\n")
		fresh = true
	}
	if fresh {
		chunks = append(chunks, strings.TrimRight(current.String(), "\n"))
	}
	return chunks
}
