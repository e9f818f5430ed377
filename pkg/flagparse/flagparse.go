package flagparse

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/tm-backup/pkg/buildinfo"
)

// ErrUsage is returned when the command line does not have the shape a
// command expects. Usage has already been printed when it is returned.
var ErrUsage = errors.New("invalid usage")

// Keys under which positional arguments appear in the parsed map.
const (
	ArgSource   = "source"
	ArgTarget   = "target"
	ArgSnapshot = "snapshot"
	ArgOutput   = "output"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel *string
	DryRun   *bool

	// Remote targets
	SSHPort       *int
	SSHIdentity   *string
	SSHKnownHosts *string
	SSHAgent      *bool
	SSHTimeout    *int

	// Backup
	RsyncPath       *string
	RsyncArgs       *string
	PreBackupHooks  *string
	PostBackupHooks *string

	// Backup / Prune / List
	RetentionEnabled    *bool
	RetentionHourlyDays *int
	RetentionDailyDays  *int

	// Export
	Format *string
	Level  *string

	// Init specific
	Force *bool
}

// commandSpec describes the positional arguments and flags of a command.
type commandSpec struct {
	desc       string
	positional []string
	register   []func(fs *flag.FlagSet, f *cliFlags)
}

var commandSpecs = map[Command]commandSpec{
	Backup: {
		desc:       "Sync the source into a new snapshot under the target root and apply retention.",
		positional: []string{ArgSource, ArgTarget},
		register:   []func(*flag.FlagSet, *cliFlags){registerGlobalFlags, registerSSHFlags, registerBackupFlags, registerRetentionFlags},
	},
	Prune: {
		desc:       "Apply the retention policy to the snapshots under the target root.",
		positional: []string{ArgTarget},
		register:   []func(*flag.FlagSet, *cliFlags){registerGlobalFlags, registerSSHFlags, registerRetentionThresholdFlags, registerPruneFlags},
	},
	List: {
		desc:       "List the snapshots under the target root with their retention verdict.",
		positional: []string{ArgTarget},
		register:   []func(*flag.FlagSet, *cliFlags){registerLogLevelFlag, registerSSHFlags, registerRetentionThresholdFlags},
	},
	Export: {
		desc:       "Write a snapshot ('current' for the latest) to a compressed tar archive.",
		positional: []string{ArgTarget, ArgSnapshot, ArgOutput},
		register:   []func(*flag.FlagSet, *cliFlags){registerGlobalFlags, registerExportFlags},
	},
	Init: {
		desc:       "Write a configuration file into the target root.",
		positional: []string{ArgTarget},
		register:   []func(*flag.FlagSet, *cliFlags){registerGlobalFlags, registerSSHFlags, registerBackupFlags, registerRetentionFlags, registerExportFlags, registerInitFlags},
	},
}

func registerLogLevelFlag(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	registerLogLevelFlag(fs, f)
	f.DryRun = fs.Bool("dry-run", false, "Show what would be done without making any changes.")
}

func registerSSHFlags(fs *flag.FlagSet, f *cliFlags) {
	f.SSHPort = fs.Int("ssh-port", 0, "SSH port of a remote target when the address names none (default 22).")
	f.SSHIdentity = fs.String("ssh-identity", "", "Private key file for a remote target.")
	f.SSHKnownHosts = fs.String("ssh-known-hosts", "", "known_hosts file used to verify a remote target (default ~/.ssh/known_hosts).")
	f.SSHAgent = fs.Bool("ssh-agent", true, "Authenticate through the ssh-agent at $SSH_AUTH_SOCK.")
	f.SSHTimeout = fs.Int("ssh-timeout", 0, "Seconds to wait for the SSH connection to be established.")
}

func registerBackupFlags(fs *flag.FlagSet, f *cliFlags) {
	f.RsyncPath = fs.String("rsync-path", "", "rsync binary to run (default: 'rsync' from $PATH).")
	f.RsyncArgs = fs.String("rsync-args", "", "Comma-separated list of extra arguments passed to rsync.")
	f.PreBackupHooks = fs.String("pre-backup-hooks", "", "Comma-separated list of commands to run before the backup.")
	f.PostBackupHooks = fs.String("post-backup-hooks", "", "Comma-separated list of commands to run after the backup.")
}

func registerRetentionThresholdFlags(fs *flag.FlagSet, f *cliFlags) {
	f.RetentionHourlyDays = fs.Int("retention-hourly-days", 0, "Snapshots younger than this many days are all kept.")
	f.RetentionDailyDays = fs.Int("retention-daily-days", 0, "Snapshots younger than this many days keep one per day; older ones keep one per week.")
}

func registerRetentionFlags(fs *flag.FlagSet, f *cliFlags) {
	f.RetentionEnabled = fs.Bool("retention", true, "Apply the retention policy after a successful backup.")
	registerRetentionThresholdFlags(fs, f)
}

func registerExportFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Format = fs.String("format", "", "Archive format: 'tar.gz' or 'tar.zst'.")
	f.Level = fs.String("level", "", "Compression level: 'default', 'fastest', 'better', 'best'.")
}

func registerPruneFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Force = fs.Bool("force", false, "Delete without asking for confirmation.")
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Force = fs.Bool("force", false, "Overwrite an existing configuration file.")
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the
// command and a map holding the explicitly set flags and the positional
// arguments. When the first argument is not a command name the whole line is
// parsed as a backup, so 'tm-backup <source> <target>' works as well.
func Parse(args []string) (Command, map[string]any, error) {
	return parse(args, os.Stderr)
}

func parse(args []string, out io.Writer) (Command, map[string]any, error) {
	if len(args) == 0 {
		printTopLevelUsage(out)
		return None, nil, ErrUsage
	}

	cmdStr := strings.ToLower(args[0])
	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		printTopLevelUsage(out)
		return None, nil, nil
	}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		// Not a command name: the default command is backup.
		command = Backup
	} else {
		args = args[1:]
	}

	if command == Version {
		if len(args) != 0 {
			printTopLevelUsage(out)
			return command, nil, ErrUsage
		}
		return command, nil, nil
	}

	spec := commandSpecs[command]
	f := &cliFlags{}
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	fs.SetOutput(out)
	for _, register := range spec.register {
		register(fs, f)
	}
	fs.Usage = func() {
		printSubcommandUsage(command, spec, fs)
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return None, nil, nil
		}
		return command, nil, fmt.Errorf("%w: %v", ErrUsage, err)
	}

	if fs.NArg() != len(spec.positional) {
		fmt.Fprintf(out, "%s expects %d argument(s), got %d\n\n", command, len(spec.positional), fs.NArg())
		fs.Usage()
		return command, nil, ErrUsage
	}

	flagMap := flagsToMap(fs, f)
	for i, name := range spec.positional {
		flagMap[name] = fs.Arg(i)
	}
	return command, flagMap, nil
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) map[string]any {
	// Create a map of the flags that were explicitly set by the user, along with their values.
	// This map is used to selectively override the base configuration.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "dry-run", f.DryRun)

	addIfUsed(flagMap, usedFlags, "ssh-port", f.SSHPort)
	addIfUsed(flagMap, usedFlags, "ssh-identity", f.SSHIdentity)
	addIfUsed(flagMap, usedFlags, "ssh-known-hosts", f.SSHKnownHosts)
	addIfUsed(flagMap, usedFlags, "ssh-agent", f.SSHAgent)
	addIfUsed(flagMap, usedFlags, "ssh-timeout", f.SSHTimeout)

	addIfUsed(flagMap, usedFlags, "rsync-path", f.RsyncPath)

	addIfUsed(flagMap, usedFlags, "retention", f.RetentionEnabled)
	addIfUsed(flagMap, usedFlags, "retention-hourly-days", f.RetentionHourlyDays)
	addIfUsed(flagMap, usedFlags, "retention-daily-days", f.RetentionDailyDays)

	addIfUsed(flagMap, usedFlags, "format", f.Format)
	addIfUsed(flagMap, usedFlags, "level", f.Level)

	addIfUsed(flagMap, usedFlags, "force", f.Force)

	// Handle flags that require parsing/validation.
	addParsedIfUsed(flagMap, usedFlags, "rsync-args", f.RsyncArgs, ParseArgList)
	addParsedIfUsed(flagMap, usedFlags, "pre-backup-hooks", f.PreBackupHooks, ParseCmdList)
	addParsedIfUsed(flagMap, usedFlags, "post-backup-hooks", f.PostBackupHooks, ParseCmdList)

	return flagMap
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]any, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]any, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(out io.Writer) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(out, "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(out, "Rotating hard-linked snapshots via rsync, local or over SSH.\n\n")
	fmt.Fprintf(out, "Usage: %s [flags] <source> <target>\n", execName)
	fmt.Fprintf(out, "       %s <command> [flags] <args>\n\n", execName)
	fmt.Fprintf(out, "Commands:\n")
	fmt.Fprintf(out, "  backup      <source> <target>            Create a snapshot and apply retention (default)\n")
	fmt.Fprintf(out, "  prune       <target>                     Apply the retention policy\n")
	fmt.Fprintf(out, "  list        <target>                     List snapshots and their retention verdict\n")
	fmt.Fprintf(out, "  export      <target> <snapshot> <file>   Write a snapshot to a compressed archive\n")
	fmt.Fprintf(out, "  init        <target>                     Write a configuration file into the target\n")
	fmt.Fprintf(out, "  version                                  Print the application version\n")
	fmt.Fprintf(out, "\nTargets are local paths, [user@]host:path or ssh://[user@]host[:port]/path.\n")
	fmt.Fprintf(out, "Run '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, spec commandSpec, fs *flag.FlagSet) {
	out := fs.Output()
	execName := filepath.Base(os.Args[0])
	args := make([]string, len(spec.positional))
	for i, p := range spec.positional {
		args[i] = "<" + p + ">"
	}
	fmt.Fprintf(out, "%s(%s)\n\n", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(out, "Usage of the %s command: %s %s [flags] %s\n\n", command, execName, command, strings.Join(args, " "))
	fmt.Fprintf(out, "%s\n\n", spec.desc)
	fmt.Fprintf(out, "Flags:\n")
	fs.PrintDefaults()
}

// ParseCmdList parses a comma-separated list of shell-like commands.
// It preserves quotes and handles backslash escapes so they can be interpreted by the shell.
func ParseCmdList(s string) []string {
	return parseListInternal(s, true, true)
}

// ParseArgList parses a comma-separated list of program arguments.
// Quotes only group items that contain commas and are removed.
func ParseArgList(s string) []string {
	return parseListInternal(s, false, false)
}

// parseListInternal is the core implementation for parsing a comma-separated list. It supports
// both single (') and double (") quotes to allow items to contain commas or spaces.
// - `keepQuotes`: Preserves quote characters in the output.
// - `handleEscapes`: Treats backslashes as escape characters.
func parseListInternal(s string, keepQuotes, handleEscapes bool) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	// Helper to add the current buffered item to the list after trimming whitespace.
	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	var isEscaped bool
	for _, r := range s {
		if isEscaped {
			current.WriteRune(r)
			isEscaped = false
			continue
		}

		switch {
		case r == '\\' && handleEscapes:
			isEscaped = true
			// For commands, we also keep the backslash for the shell to interpret.
			current.WriteRune(r)
		case r == '\'' || r == '"':
			if quoteChar == 0 { // Start of a new quoted section.
				quoteChar = r
				if keepQuotes {
					current.WriteRune(r)
				}
			} else if quoteChar == r { // End of the current quoted section.
				quoteChar = 0
				if keepQuotes {
					current.WriteRune(r)
				}
			} else { // A different quote character inside an existing quoted section.
				current.WriteRune(r) // Treat it as a literal character.
			}
		case r == ',' && quoteChar == 0: // Comma outside of any quotes.
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem() // Add the final item after the loop finishes.
	return list
}
