package net

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"
)

// CSVLogger logs the top class of every batch to a CSV file.
type CSVLogger struct {
	BaseCallback
	Filename string
	Append   bool
	Log      *log.Logger

	file   *os.File
	writer *csv.Writer
	start  time.Time
}

// NewCSVLogger creates a new CSVLogger.
func NewCSVLogger(filename string, append bool) *CSVLogger {
	return &CSVLogger{
		Filename: filename,
		Append:   append,
	}
}

func (c *CSVLogger) logf(format string, args ...any) {
	if c.Log != nil {
		c.Log.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (c *CSVLogger) OnEvalBegin(n *Network) {
	mode := os.O_CREATE | os.O_WRONLY
	if c.Append {
		mode |= os.O_APPEND
	} else {
		mode |= os.O_TRUNC
	}

	file, err := os.OpenFile(c.Filename, mode, 0644)
	if err != nil {
		c.logf("CSVLogger: failed to open file %s: %v", c.Filename, err)
		return
	}
	c.file = file
	c.writer = csv.NewWriter(file)
	c.start = time.Now()

	// Write header if not appending or if file is empty
	info, err := file.Stat()
	if err == nil && (info.Size() == 0 || !c.Append) {
		c.writer.Write([]string{"batch", "class", "score", "time_seconds"})
		c.writer.Flush()
	}
}

func (c *CSVLogger) OnBatchEnd(batch int, p BatchEndParams) error {
	if c.writer == nil {
		return nil
	}

	class, score, ok := TopClass(p)
	if !ok {
		class, score = -1, 0
	}
	elapsed := time.Since(c.start).Seconds()
	record := []string{
		strconv.Itoa(batch),
		strconv.Itoa(class),
		fmt.Sprintf("%.6f", score),
		fmt.Sprintf("%.2f", elapsed),
	}

	if err := c.writer.Write(record); err != nil {
		c.logf("CSVLogger: failed to write record: %v", err)
	}
	c.writer.Flush()
	return nil
}

func (c *CSVLogger) OnEvalEnd(n *Network) {
	if c.file != nil {
		c.writer.Flush()
		c.file.Close()
		c.file = nil
		c.writer = nil
	}
}
