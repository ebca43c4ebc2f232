package multidex

import (
	"fmt"
	"slices"
	"strings"
)

// Strategy splices materialized units into a loader. One strategy exists
// per runtime capability tier; strategyFor picks the newest one the
// runtime supports. A strategy that fails must leave the loader's
// resolution entries exactly as it found them.
type Strategy interface {
	Name() string
	Install(loader Loader, files []string, scratchDir string) error
}

func strategyFor(api int, log Logger) Strategy {
	switch {
	case api >= 23:
		return &batchStrategy{name: "v23", log: log}
	case api >= 19:
		return &batchStrategy{name: "v19", log: log, recordSuppressed: true}
	case api >= 14:
		return &singleStrategy{log: log}
	default:
		return &pathStrategy{log: log}
	}
}

// batchStrategy drives loaders that build resolution entries in one batch
// (API 19 and newer). The v19 variant additionally records suppressed
// failures on the loader before giving up.
type batchStrategy struct {
	name             string
	log              Logger
	recordSuppressed bool
}

func (s *batchStrategy) Name() string { return s.name }

func (s *batchStrategy) Install(loader Loader, files []string, scratchDir string) error {
	maker, ok := loader.(EntryMaker)
	if !ok {
		return &SpliceError{Strategy: s.name, Err: fmt.Errorf("loader %T cannot make entry batches", loader)}
	}
	entries, suppressed := maker.MakeEntries(files, scratchDir)
	if len(suppressed) > 0 {
		for _, err := range suppressed {
			s.log.Errorf(err, "unit entry creation failed")
		}
		if s.recordSuppressed {
			if rec, ok := loader.(SuppressedRecorder); ok {
				rec.RecordSuppressed(suppressed)
			}
		}
		return &SpliceError{Strategy: s.name, Suppressed: suppressed}
	}
	if err := loader.SetEntries(slices.Concat(loader.Entries(), entries)); err != nil {
		return &SpliceError{Strategy: s.name, Err: err}
	}
	return nil
}

// singleStrategy drives loaders that convert one unit at a time (API 14
// through 18). The first conversion failure aborts with nothing appended.
type singleStrategy struct {
	log Logger
}

func (s *singleStrategy) Name() string { return "v14" }

func (s *singleStrategy) Install(loader Loader, files []string, scratchDir string) error {
	maker, ok := loader.(SingleEntryMaker)
	if !ok {
		return &SpliceError{Strategy: s.Name(), Err: fmt.Errorf("loader %T cannot make entries", loader)}
	}
	entries := make([]string, 0, len(files))
	for _, file := range files {
		entry, err := maker.MakeEntry(file, scratchDir)
		if err != nil {
			return &SpliceError{Strategy: s.Name(), Err: fmt.Errorf("%s: %w", file, err)}
		}
		entries = append(entries, entry)
	}
	if err := loader.SetEntries(slices.Concat(loader.Entries(), entries)); err != nil {
		return &SpliceError{Strategy: s.Name(), Err: err}
	}
	return nil
}

// pathStrategy drives first-generation loaders (API 4 through 13), which
// resolve code through a colon-joined path string. Unit files are appended
// both to the entry list and to the path.
type pathStrategy struct {
	log Logger
}

func (s *pathStrategy) Name() string { return "v4" }

func (s *pathStrategy) Install(loader Loader, files []string, scratchDir string) error {
	pl, ok := loader.(PathLoader)
	if !ok {
		return &SpliceError{Strategy: s.Name(), Err: fmt.Errorf("loader %T has no search path", loader)}
	}
	original := loader.Entries()
	joined := pl.Path() + ":" + strings.Join(files, ":")
	if err := loader.SetEntries(slices.Concat(original, files)); err != nil {
		return &SpliceError{Strategy: s.Name(), Err: err}
	}
	if err := pl.SetPath(joined); err != nil {
		if rerr := loader.SetEntries(original); rerr != nil {
			s.log.Errorf(rerr, "could not roll back entries after path update failure")
		}
		return &SpliceError{Strategy: s.Name(), Err: err}
	}
	return nil
}

var (
	_ Strategy = (*batchStrategy)(nil)
	_ Strategy = (*singleStrategy)(nil)
	_ Strategy = (*pathStrategy)(nil)
)
