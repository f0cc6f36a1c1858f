// Package cvcheck validates CV attachments before they ride along with a
// submission. A broken or absurdly large PDF fails the whole submission at
// the board, so it is cheaper to reject it here.
package cvcheck

import (
	"fmt"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Limits bounds what counts as an acceptable CV.
type Limits struct {
	MaxBytes int64 // file size ceiling
	MaxPages int
	MinPages int
}

func (l *Limits) defaults() {
	if l.MaxBytes == 0 {
		l.MaxBytes = 10 << 20
	}
	if l.MaxPages == 0 {
		l.MaxPages = 10
	}
	if l.MinPages == 0 {
		l.MinPages = 1
	}
}

// Report describes a validated CV.
type Report struct {
	Path      string
	SizeBytes int64
	PageCount int
}

// Check validates the PDF at path against the limits. A nil error means the
// file can be attached to a submission task as-is.
func Check(path string, limits Limits) (*Report, error) {
	limits.defaults()

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cvcheck: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("cvcheck: %s is empty", path)
	}
	if info.Size() > limits.MaxBytes {
		return nil, fmt.Errorf("cvcheck: %s is %d bytes, limit is %d", path, info.Size(), limits.MaxBytes)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cvcheck: %w", err)
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	pdf, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return nil, fmt.Errorf("cvcheck: %s is not a valid PDF: %w", path, err)
	}

	if pdf.PageCount < limits.MinPages {
		return nil, fmt.Errorf("cvcheck: %s has %d pages, need at least %d", path, pdf.PageCount, limits.MinPages)
	}
	if pdf.PageCount > limits.MaxPages {
		return nil, fmt.Errorf("cvcheck: %s has %d pages, limit is %d", path, pdf.PageCount, limits.MaxPages)
	}

	return &Report{Path: path, SizeBytes: info.Size(), PageCount: pdf.PageCount}, nil
}
