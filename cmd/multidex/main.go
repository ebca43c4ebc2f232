package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/lycold/multidex"
	"github.com/lycold/multidex/prefs"
	"github.com/lycold/multidex/prefs/bolt"
	"github.com/lycold/multidex/prefs/file"
)

var (
	rootCmd = &cobra.Command{
		Use:   "multidex",
		Short: "Inspect and maintain secondary unit caches",
		Long: `multidex extracts secondary code units from application archives into
single-entry zip files and keeps a record of what was extracted, so the
next start can reuse the cache instead of extracting again.`,
		SilenceUsage: true,
	}

	archivePath string
	cacheDir    string
	storePath   string
	boltPath    string
	keyPrefix   string
	parallel    bool
	workers     int
	force       bool
	purge       bool

	primeCmd = &cobra.Command{
		Use:   "prime",
		Short: "Extract secondary units from an archive into the cache",
		Args:  cobra.NoArgs,
		RunE:  runPrime,
	}
	verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Check the cached units against the stored record",
		Args:  cobra.NoArgs,
		RunE:  runVerify,
	}
	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Print the stored extraction record",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}
	clearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Invalidate the stored record, forcing the next load to extract",
		Args:  cobra.NoArgs,
		RunE:  runClear,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	for _, cmd := range []*cobra.Command{primeCmd, verifyCmd, clearCmd} {
		cmd.Flags().StringVar(&archivePath, "archive", "", "source application archive")
		cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "directory holding the materialized units")
	}
	for _, cmd := range []*cobra.Command{primeCmd, verifyCmd} {
		_ = cmd.MarkFlagRequired("archive")
		_ = cmd.MarkFlagRequired("cache-dir")
	}
	for _, cmd := range []*cobra.Command{primeCmd, verifyCmd, infoCmd, clearCmd} {
		cmd.Flags().StringVar(&storePath, "store", "", "TOML record file (default <cache-dir>/../multidex.version.toml)")
		cmd.Flags().StringVar(&boltPath, "bolt", "", "bolt record database, instead of --store")
		cmd.Flags().StringVar(&keyPrefix, "key-prefix", "", "prefix for the record keys")
	}
	primeCmd.Flags().BoolVar(&parallel, "parallel", false, "extract units concurrently")
	primeCmd.Flags().IntVar(&workers, "workers", 0, "extraction workers when --parallel is set (0 means one per core)")
	primeCmd.Flags().BoolVar(&force, "force", false, "extract even when the record still matches")
	clearCmd.Flags().BoolVar(&purge, "purge", false, "also delete the materialized unit files")

	rootCmd.AddCommand(primeCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(clearCmd)
}

// openStore picks the record store for this invocation. The TOML record
// defaults to a sibling of the cache dir, where the installer keeps its
// own: inside the cache dir it would be swept as a stale file on the
// next extraction pass.
func openStore() (prefs.Store, func() error, error) {
	if boltPath != "" {
		s, err := bolt.Open(boltPath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	path := storePath
	if path == "" {
		if cacheDir == "" {
			return nil, nil, fmt.Errorf("one of --store or --bolt is required")
		}
		path = filepath.Join(filepath.Dir(cacheDir), "multidex.version.toml")
	}
	return file.New(path), nil, nil
}

func runPrime(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore() //nolint:errcheck // read-mostly store, close errors are non-fatal
	}

	ex := multidex.NewExtractor(store, multidex.ExtractorWithWorkers(workers))
	var onReady func(multidex.Unit) error
	if parallel {
		onReady = func(multidex.Unit) error { return nil }
	}
	start := time.Now()
	units, err := ex.Load(archivePath, cacheDir, keyPrefix, force, onReady)
	if err != nil {
		return err
	}
	log.Info("cache primed", "units", len(units), "in", time.Since(start).Round(time.Millisecond))
	for _, u := range units {
		log.Info("unit ready", "index", u.Index, "path", u.Path, "crc", u.CRC)
	}
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore() //nolint:errcheck // close errors are non-fatal here
	}

	units, err := multidex.NewExtractor(store).Verify(archivePath, cacheDir, keyPrefix)
	if err != nil {
		return err
	}
	log.Info("cache verified", "units", len(units))
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	if storePath == "" && boltPath == "" {
		return fmt.Errorf("one of --store or --bolt is required")
	}
	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore() //nolint:errcheck // close errors are non-fatal here
	}

	// Record keys as the extractor writes them; the layout is part of the
	// on-disk format.
	printKey := func(key string) {
		if v, ok := store.Int64(keyPrefix + key); ok {
			fmt.Printf("%s%s = %d\n", keyPrefix, key, v)
		}
	}
	total, ok := store.Int64(keyPrefix + "dex.number")
	if !ok {
		log.Warn("no record stored", "prefix", keyPrefix)
		return nil
	}
	printKey("timestamp")
	printKey("crc")
	fmt.Printf("%sdex.number = %d\n", keyPrefix, total)
	for n := int64(2); n <= total; n++ {
		printKey("dex.crc." + strconv.FormatInt(n, 10))
		printKey("dex.time." + strconv.FormatInt(n, 10))
	}
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	if purge && (archivePath == "" || cacheDir == "") {
		return fmt.Errorf("--purge needs --archive and --cache-dir")
	}
	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore() //nolint:errcheck // close errors are non-fatal here
	}

	if err := multidex.NewExtractor(store).ClearArchiveInfo(keyPrefix); err != nil {
		return err
	}
	log.Info("record cleared", "prefix", keyPrefix)
	if !purge {
		return nil
	}

	matches, err := filepath.Glob(filepath.Join(cacheDir, filepath.Base(archivePath)+".classes*.zip"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			log.Error("could not remove unit file", "path", m, "err", err)
			continue
		}
		log.Info("removed unit file", "path", m)
	}
	return nil
}
