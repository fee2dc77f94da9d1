// main package for the narrate command-line client. It runs the full
// narration pipeline locally: segment a text file, convert every
// segment through the synthesis provider, and merge the results into a
// single WAV file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/fileutil"
	"github.com/book-expert/narration-service/internal/merge"
	"github.com/book-expert/narration-service/internal/oplog"
	"github.com/book-expert/narration-service/internal/orchestrator"
	"github.com/book-expert/narration-service/internal/pool"
	"github.com/book-expert/narration-service/internal/provider"
	"github.com/book-expert/narration-service/internal/segmenter"
)

// Flag descriptions.
const (
	flagInputDesc    = "Text file to narrate"
	flagOutputDesc   = "Output file path (.wav)"
	flagKeysDesc     = "Comma-separated provider API keys"
	flagKeysFileDesc = "File with one provider API key per line"
	flagVoiceDesc    = "Provider voice id"
	flagMinDesc      = "Minimum segment length in characters"
	flagMaxDesc      = "Maximum segment length in characters"
	flagStartDesc    = "Skip segments below this id"
	flagBalanceDesc  = "Report the remaining balance of each key and exit"
	flagSegmentsDesc = "Also write each segment's audio beside the merged file"
	flagLogDesc      = "Write the operational log beside the merged file"
)

// Flag names.
const (
	flagInput    = "input"
	flagOutput   = "output"
	flagKeys     = "keys"
	flagKeysFile = "keys-file"
	flagVoice    = "voice"
	flagMin      = "min-chars"
	flagMax      = "max-chars"
	flagStart    = "start-from"
	flagBalance  = "check-balance"
	flagSegments = "segments"
	flagLog      = "export-log"
)

// Error and log messages.
const (
	errInputRequired      = "an input text file is required (-input)"
	errNoKeys             = "no API keys given (-keys or -keys-file)"
	errFailedToInitLogger = "failed to initialize logger: %w"
	errFailedToReadInput  = "failed to read input file: %w"
	errFailedToReadKeys   = "failed to read keys file: %w"
	errFailedToWriteWAV   = "failed to write output file: %w"
	errConversionFailed   = "conversion failed: %w"
	errMergeFailed        = "merge failed: %w"
	errFailedToWriteLog   = "failed to write operational log: %w"
)

const (
	logFileName       = "narrate.log"
	segmentsDirSuffix = "-segments"
	artifactFileMode  = 0o600
	providerTimeout   = 120 * time.Second
	balanceTimeout    = 15 * time.Second
	balanceLimit      = 4
	balanceDelay      = 250 * time.Millisecond
	cliUserID         = "narrate-cli"
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	input        string
	output       string
	keys         string
	keysFile     string
	voice        string
	minChars     int
	maxChars     int
	startFrom    int
	checkBalance bool
	saveSegments bool
	exportLog    bool
}

func main() {
	err := run()
	if err != nil {
		// The logger might not be initialized yet, so use the standard
		// log package.
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	flags := parseFlags()

	appLog, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return fmt.Errorf(errFailedToInitLogger, err)
	}
	defer appLog.Close()

	secrets, err := loadSecrets(flags)
	if err != nil {
		return err
	}

	synthesisProvider := provider.New("", providerTimeout)

	if flags.checkBalance {
		return reportBalances(synthesisProvider, secrets)
	}

	if flags.input == "" {
		flag.Usage()

		return errors.New(errInputRequired)
	}

	return narrate(synthesisProvider, appLog, flags, secrets)
}

// parseFlags defines and parses command-line flags, returning them in a
// struct.
func parseFlags() appFlags {
	var flags appFlags

	defaults := core.DefaultTuningSettings()

	flag.StringVar(&flags.input, flagInput, "", flagInputDesc)
	flag.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	flag.StringVar(&flags.keys, flagKeys, "", flagKeysDesc)
	flag.StringVar(&flags.keysFile, flagKeysFile, "", flagKeysFileDesc)
	flag.StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	flag.IntVar(&flags.minChars, flagMin, defaults.MinChunkChars, flagMinDesc)
	flag.IntVar(&flags.maxChars, flagMax, defaults.MaxChunkChars, flagMaxDesc)
	flag.IntVar(&flags.startFrom, flagStart, 0, flagStartDesc)
	flag.BoolVar(&flags.checkBalance, flagBalance, false, flagBalanceDesc)
	flag.BoolVar(&flags.saveSegments, flagSegments, false, flagSegmentsDesc)
	flag.BoolVar(&flags.exportLog, flagLog, false, flagLogDesc)
	flag.Parse()

	return flags
}

// loadSecrets collects API keys from the -keys flag and the -keys-file
// flag, in that order, dropping empty entries.
func loadSecrets(flags appFlags) ([]string, error) {
	var secrets []string

	for _, key := range strings.Split(flags.keys, ",") {
		key = strings.TrimSpace(key)
		if key != "" {
			secrets = append(secrets, key)
		}
	}

	if flags.keysFile != "" {
		data, err := os.ReadFile(flags.keysFile)
		if err != nil {
			return nil, fmt.Errorf(errFailedToReadKeys, err)
		}

		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				secrets = append(secrets, line)
			}
		}
	}

	if len(secrets) == 0 {
		return nil, errors.New(errNoKeys)
	}

	return secrets, nil
}

// reportBalances prints the remaining character balance of every key.
func reportBalances(synthesisProvider *provider.Client, secrets []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), balanceTimeout)
	defer cancel()

	credentials := make([]core.Credential, 0, len(secrets))
	for _, secret := range secrets {
		credentials = append(credentials, core.Credential{
			Secret:         secret,
			Balance:        core.BalanceUnknown,
			Status:         core.CredentialActive,
			SessionInvalid: false,
		})
	}

	credentialPool := pool.New(credentials)

	sweepErr := credentialPool.RefreshAll(ctx, synthesisProvider, balanceLimit, balanceDelay)

	for _, credential := range credentialPool.Credentials() {
		if credential.Balance == core.BalanceUnknown {
			fmt.Printf("%s…  balance unknown (%s)\n", keyPrefix(credential.Secret), credential.Status)

			continue
		}

		fmt.Printf("%s…  %d characters remaining (%s)\n",
			keyPrefix(credential.Secret), credential.Balance, credential.Status)
	}

	if sweepErr != nil {
		return fmt.Errorf("balance check incomplete: %w", sweepErr)
	}

	return nil
}

// narrate runs segmentation, conversion, and merge end to end, writing
// the merged WAV next to the input unless -output says otherwise.
func narrate(
	synthesisProvider *provider.Client,
	appLog *logger.Logger,
	flags appFlags,
	secrets []string,
) error {
	text, err := os.ReadFile(flags.input)
	if err != nil {
		return fmt.Errorf(errFailedToReadInput, err)
	}

	tuning := core.DefaultTuningSettings()
	tuning.MinChunkChars = flags.minChars
	tuning.MaxChunkChars = flags.maxChars
	tuning.StartFromSegmentID = flags.startFrom

	if flags.voice != "" {
		tuning.VoiceID = flags.voice
	}

	credentials := make([]core.Credential, 0, len(secrets))
	for _, secret := range secrets {
		credentials = append(credentials, core.Credential{
			Secret:         secret,
			Balance:        core.BalanceUnknown,
			Status:         core.CredentialActive,
			SessionInvalid: false,
		})
	}

	cache := newMemoryCache()
	operationalLog := oplog.New()

	conversion := orchestrator.New(orchestrator.Options{
		UserID:     cliUserID,
		WorkflowID: "",
		Provider:   synthesisProvider,
		Cache:      cache,
		Snapshots:  nil,
		Pool:       pool.New(credentials),
		OpLog:      operationalLog,
		Log:        appLog,
		Publisher:  nil,
		Tuning:     tuning,
	})

	segments := conversion.LoadText(segmenter.Normalize(string(text)))
	fmt.Printf("Segmented input into %d segments\n", len(segments))

	ctx := context.Background()
	started := time.Now()

	runErr := conversion.Run(ctx)
	printOperationalLog(operationalLog)

	if runErr != nil {
		return fmt.Errorf(errConversionFailed, runErr)
	}

	segmentIDs := make([]int, 0, len(segments))
	for _, segment := range conversion.Segments() {
		if segment.Status == core.SegmentSuccess {
			segmentIDs = append(segmentIDs, segment.ID)
		}
	}

	merged, err := merge.New(cache).Merge(ctx, cliUserID, segmentIDs)
	if err != nil {
		return fmt.Errorf(errMergeFailed, err)
	}

	outputPath := flags.output
	if outputPath == "" {
		outputPath = filepath.Join(filepath.Dir(flags.input), fileutil.MergedFileName())
	}

	err = os.WriteFile(outputPath, merged, artifactFileMode)
	if err != nil {
		return fmt.Errorf(errFailedToWriteWAV, err)
	}

	fmt.Printf("Wrote %s (%s, %d segments, %s)\n",
		outputPath,
		fileutil.FormatBytes(int64(len(merged))),
		len(segmentIDs),
		fileutil.FormatDuration(time.Since(started).Seconds()))

	if flags.saveSegments {
		err = writeSegmentArtifacts(ctx, cache, flags.input, outputPath, segmentIDs)
		if err != nil {
			return err
		}
	}

	if flags.exportLog {
		err = writeLogExport(operationalLog, outputPath)
		if err != nil {
			return err
		}
	}

	return nil
}

// writeSegmentArtifacts copies each converted segment's WAV out of the
// cache into a directory named after the input file, next to the merged
// output.
func writeSegmentArtifacts(
	ctx context.Context,
	cache *memoryCache,
	inputPath, outputPath string,
	segmentIDs []int,
) error {
	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	dir := filepath.Join(
		filepath.Dir(outputPath),
		fileutil.SanitizeFilename(base)+segmentsDirSuffix,
	)

	err := fileutil.EnsureDirectory(dir)
	if err != nil {
		return err
	}

	for _, segmentID := range segmentIDs {
		audio, getErr := cache.Get(ctx, cliUserID, segmentID)
		if getErr != nil {
			return fmt.Errorf("segment %d audio missing: %w", segmentID, getErr)
		}

		path := filepath.Join(dir, fileutil.SegmentFileName(segmentID))

		writeErr := os.WriteFile(path, audio, artifactFileMode)
		if writeErr != nil {
			return fmt.Errorf("failed to write segment file: %w", writeErr)
		}
	}

	fmt.Printf("Wrote %d segment files to %s\n", len(segmentIDs), dir)

	return nil
}

// writeLogExport saves the operational log as text next to the merged
// output.
func writeLogExport(operationalLog *oplog.Log, outputPath string) error {
	path := filepath.Join(filepath.Dir(outputPath), fileutil.LogExportFileName())

	err := os.WriteFile(path, []byte(operationalLog.Export()), artifactFileMode)
	if err != nil {
		return fmt.Errorf(errFailedToWriteLog, err)
	}

	return nil
}

func printOperationalLog(operationalLog *oplog.Log) {
	for _, entry := range operationalLog.Entries() {
		fmt.Printf("[%s] %s\n", entry.Level, entry.Message)
	}
}

func keyPrefix(secret string) string {
	const prefixLen = 6

	if len(secret) <= prefixLen {
		return secret
	}

	return secret[:prefixLen]
}

// memoryCache is a process-local audio cache for one-shot CLI runs,
// where durability across restarts is not needed.
type memoryCache struct {
	mu    sync.Mutex
	blobs map[int][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{
		mu:    sync.Mutex{},
		blobs: make(map[int][]byte),
	}
}

func (m *memoryCache) Put(_ context.Context, _ string, segmentID int, audio []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(audio))
	copy(stored, audio)
	m.blobs[segmentID] = stored

	return nil
}

func (m *memoryCache) Get(_ context.Context, _ string, segmentID int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	audio, found := m.blobs[segmentID]
	if !found {
		return nil, core.ErrNotCached
	}

	return audio, nil
}

func (m *memoryCache) ClearAll(_ context.Context, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blobs = make(map[int][]byte)

	return nil
}
