package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"
)

const (
	appName = "electiond"
	version = "1.0.0"

	defaultConfigFilename    = "electiond.conf"
	defaultDataDirname       = "data"
	defaultLogLevel          = "info"
	defaultLogDirname        = "logs"
	defaultLogFilename       = "electiond.log"
	defaultAccessLogFilename = "access.log"
	defaultRegistryFilename  = "registry.json"
	defaultElectionFilename  = "election.json"
	defaultAuthorityFilename = "authority.json"
	defaultExportDirname     = "exports"

	defaultPort = "8080"

	// Ledger backends
	backendLevelDB       = "leveldb"
	backendFile          = "file"
	defaultLedgerBackend = backendLevelDB

	defaultAdvanceInterval = time.Minute
	defaultWorkers         = 8
	defaultQueueSize       = 1024
	defaultTallyCache      = 16
	defaultExportKeep      = 10
)

var (
	defaultHomeDir    = appDataDir()
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// config defines the configuration options for electiond.
//
// See loadConfig for details on the configuration load process.
type config struct {
	HomeDir     string   `short:"A" long:"appdata" description:"Path to application home directory"`
	ShowVersion bool     `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string   `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string   `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string   `long:"logdir" description:"Directory to log output."`
	DebugLevel  string   `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	Listeners   []string `long:"listen" description:"Add an interface/port to listen for connections (default all interfaces port: 8080)"`
	AdminUser   string   `long:"adminuser" description:"User name for administrative routes"`
	AdminPass   string   `long:"adminpass" description:"Password for administrative routes"`
	CORSOrigins []string `long:"corsorigin" description:"Allow cross origin requests from the given origin"`
	AccessLog   bool     `long:"accesslog" description:"Write an Apache combined access log to the log directory"`

	LedgerBackend   string        `long:"ledgerbackend" description:"Ledger storage backend {leveldb, file}"`
	RegistryFile    string        `long:"registryfile" description:"Voter and candidate registry file"`
	ElectionFile    string        `long:"electionfile" description:"Election definition used when no election has been created yet"`
	AuthorityKey    string        `long:"authoritykey" description:"File containing the receipt signing key"`
	AutoAdvance     bool          `long:"autoadvance" description:"Advance phases automatically according to the election windows"`
	AdvanceInterval time.Duration `long:"advanceinterval" description:"How often phase windows are checked when autoadvance is set"`
	Workers         int           `long:"workers" description:"Number of ballot workers"`
	QueueSize       int           `long:"queuesize" description:"Maximum number of queued ballots"`
	TallyCache      int           `long:"tallycache" description:"Number of cached tallies, -1 disables the cache"`
	ExportKeep      int           `long:"exportkeep" description:"Number of audit exports to keep"`

	Version string
}

// appDataDir returns the default application home directory.
func appDataDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, "."+appName)
	}
	return "." + appName
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Nothing to do when no path is given.
	if path == "" {
		return path
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)

	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser
	// to otheruser's home directory.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		if !validLogLevel(debugLevel) {
			return fmt.Errorf("the specified debug level [%v] is invalid",
				debugLevel)
		}
		setLogLevels(debugLevel)
		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			return fmt.Errorf("the specified debug level contains an "+
				"invalid subsystem/level pair [%v]", logLevelPair)
		}

		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		if _, exists := subsystemLoggers[subsysID]; !exists {
			return fmt.Errorf("the specified subsystem [%v] is invalid -- "+
				"supported subsytems %v", subsysID, supportedSubsystems())
		}
		if !validLogLevel(logLevel) {
			return fmt.Errorf("the specified debug level [%v] is invalid",
				logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// normalizeAddresses returns a new slice with all the passed addresses
// normalized with the given default port, and all duplicates removed.
func normalizeAddresses(addrs []string, defaultPort string) []string {
	result := make([]string, 0, len(addrs))
	seen := map[string]struct{}{}
	for _, addr := range addrs {
		addr = normalizeAddress(addr, defaultPort)
		if _, ok := seen[addr]; !ok {
			result = append(result, addr)
			seen[addr] = struct{}{}
		}
	}
	return result
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// Command line options always take precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		HomeDir:         defaultHomeDir,
		ConfigFile:      defaultConfigFile,
		DebugLevel:      defaultLogLevel,
		DataDir:         defaultDataDir,
		LogDir:          defaultLogDir,
		Version:         version,
		LedgerBackend:   defaultLedgerBackend,
		AdvanceInterval: defaultAdvanceInterval,
		Workers:         defaultWorkers,
		QueueSize:       defaultQueueSize,
		TallyCache:      defaultTallyCache,
		ExportKeep:      defaultExportKeep,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName,
			version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Update the home directory if specified. Since the home directory is
	// updated, other variables need to be updated to reflect the new
	// changes.
	if preCfg.HomeDir != "" {
		cfg.HomeDir, _ = filepath.Abs(preCfg.HomeDir)

		if preCfg.ConfigFile == defaultConfigFile {
			cfg.ConfigFile = filepath.Join(cfg.HomeDir, defaultConfigFilename)
		} else {
			cfg.ConfigFile = preCfg.ConfigFile
		}
		if preCfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(cfg.HomeDir, defaultDataDirname)
		} else {
			cfg.DataDir = preCfg.DataDir
		}
		if preCfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		} else {
			cfg.LogDir = preCfg.LogDir
		}
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(cfg.ConfigFile)
	if err != nil {
		var e *os.PathError
		if !errors.As(err, &e) {
			fmt.Fprintf(os.Stderr, "Error parsing config file: %v\n", err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return nil, nil, err
	}

	// Create the home directory if it doesn't already exist.
	funcName := "loadConfig"
	err = os.MkdirAll(cfg.HomeDir, 0700)
	if err != nil {
		err := fmt.Errorf("%s: failed to create home directory: %v",
			funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	switch cfg.LedgerBackend {
	case backendLevelDB, backendFile:
	default:
		err := fmt.Errorf("%s: invalid ledger backend %q", funcName,
			cfg.LedgerBackend)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if cfg.AutoAdvance && cfg.AdvanceInterval < time.Second {
		err := fmt.Errorf("%s: advanceinterval must be at least 1s",
			funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if cfg.Workers < 1 || cfg.QueueSize < 1 {
		err := fmt.Errorf("%s: workers and queuesize must be positive",
			funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if cfg.ExportKeep < 1 {
		cfg.ExportKeep = defaultExportKeep
	}

	// Files default to the home directory.
	if cfg.RegistryFile == "" {
		cfg.RegistryFile = filepath.Join(cfg.HomeDir, defaultRegistryFilename)
	}
	cfg.RegistryFile = cleanAndExpandPath(cfg.RegistryFile)
	if cfg.ElectionFile == "" {
		cfg.ElectionFile = filepath.Join(cfg.HomeDir, defaultElectionFilename)
	}
	cfg.ElectionFile = cleanAndExpandPath(cfg.ElectionFile)
	if cfg.AuthorityKey == "" {
		cfg.AuthorityKey = filepath.Join(cfg.HomeDir, defaultAuthorityFilename)
	}
	cfg.AuthorityKey = cleanAndExpandPath(cfg.AuthorityKey)

	// Add the default listener if none were specified.
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []string{net.JoinHostPort("", defaultPort)}
	}
	cfg.Listeners = normalizeAddresses(cfg.Listeners, defaultPort)

	if cfg.AdminUser == "" || cfg.AdminPass == "" {
		log.Warnf("adminuser or adminpass not set, administrative " +
			"routes are unauthenticated")
		cfg.AdminUser = ""
	}

	// Warn about missing config file only after all other configuration is
	// done.  This prevents the warning on help messages and invalid
	// options.  Note this should go directly before the return.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
