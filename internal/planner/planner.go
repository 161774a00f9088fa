// Package planner sizes the transcription worker pool from observed segment
// sizes.
package planner

import (
	"os"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

const megabyte = 1024 * 1024

// Tier caps parallelism for segments whose average size is below SizeLimit.
// A zero SizeLimit matches any size.
type Tier struct {
	SizeLimit   int64
	MaxParallel int
}

type Planner struct {
	Small  Tier
	Medium Tier
	Large  Tier
}

func FromConfig(cfg config.ParallelismConfig) Planner {
	return Planner{
		Small:  Tier{SizeLimit: int64(cfg.Small.SizeLimitMB) * megabyte, MaxParallel: cfg.Small.MaxParallel},
		Medium: Tier{SizeLimit: int64(cfg.Medium.SizeLimitMB) * megabyte, MaxParallel: cfg.Medium.MaxParallel},
		Large:  Tier{MaxParallel: cfg.Large.MaxParallel},
	}
}

// Degree picks the first tier whose limit exceeds avgBytes and clamps its
// parallelism to total. It returns 0 only when there is no work.
func (p Planner) Degree(avgBytes int64, total int) int {
	if total <= 0 {
		return 0
	}
	degree := p.Large.MaxParallel
	for _, tier := range []Tier{p.Small, p.Medium} {
		if tier.SizeLimit > 0 && avgBytes < tier.SizeLimit {
			degree = tier.MaxParallel
			break
		}
	}
	if degree > total {
		degree = total
	}
	if degree < 1 {
		degree = 1
	}
	return degree
}

// AverageSize returns the mean size of the readable files in paths.
func AverageSize(paths []string) int64 {
	var sum int64
	var n int64
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		sum += info.Size()
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / n
}
