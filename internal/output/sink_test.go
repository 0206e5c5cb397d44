package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)
	s.Append("Compile ")
	s.AppendLine("main.swift")
	s.Clear()
	s.Show()
	assert.Equal(t, "Compile main.swift\n", buf.String())
}

func TestBuffer(t *testing.T) {
	var b Buffer
	b.AppendLine("one")
	b.Clear()
	b.AppendLine("two")
	b.Show()
	assert.Equal(t, "two\n", b.String())
	assert.Equal(t, 1, b.Shown())
}
