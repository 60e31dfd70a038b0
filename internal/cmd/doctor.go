package cmd

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gorelax/internal/config"
	"github.com/3leaps/gorelax/internal/observability"
	"github.com/3leaps/gorelax/pkg/archive"
	"github.com/3leaps/gorelax/pkg/preflight"
	"github.com/3leaps/gorelax/pkg/provider"
	"github.com/3leaps/gorelax/pkg/settings"
	"github.com/3leaps/gorelax/pkg/vasp"
)

var (
	doctorProvider string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor [dir]",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

When dir is given (default: the working directory), its settings file is
validated and the solver command it selects is resolved on PATH.

Examples:
  gorelax doctor                   # Full environment check
  gorelax doctor /scratch/si       # Check a relaxation root
  gorelax doctor --provider s3     # S3 archive checks`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	log := observability.CLILogger
	bannerName := binaryName + " doctor"
	log.Info("=== " + bannerName + " ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 6

	// Add S3 checks if provider specified
	if doctorProvider == "s3" {
		totalChecks = 8
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		log.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Library versions
	version := crucible.GetVersion()
	if version.Crucible != "" && version.Gofulmen != "" {
		log.Info(fmt.Sprintf("[%d/%d] Checking libraries... ✅ crucible v%s, gofulmen v%s", checkNum, totalChecks, version.Crucible, version.Gofulmen),
			zap.String("crucible_version", version.Crucible),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		log.Error(fmt.Sprintf("[%d/%d] Checking libraries... ❌ Cannot access Crucible or Gofulmen", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 3: Application config
	cfg, err := appConfig(cmd)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking configuration... ❌ %v", checkNum, totalChecks, err))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ jobs in %s", checkNum, totalChecks, cfg.Jobs.Dir),
			zap.String("jobs_dir", cfg.Jobs.Dir),
			zap.String("events", cfg.Events.Format))
	}
	checkNum++

	// Check 4: Settings
	s := settings.Default()
	root, err := resolveRoot(args)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking settings... ❌ %v", checkNum, totalChecks, err))
		allChecks = false
	} else {
		loaded, path, err := settings.Discover(root)
		switch {
		case err != nil:
			log.Error(fmt.Sprintf("[%d/%d] Checking settings... ❌ %s is invalid", checkNum, totalChecks, path),
				zap.Error(err))
			allChecks = false
		case path == "":
			log.Info(fmt.Sprintf("[%d/%d] Checking settings... ✅ no settings file in %s, using defaults", checkNum, totalChecks, root))
		default:
			s = loaded
			log.Info(fmt.Sprintf("[%d/%d] Checking settings... ✅ %s", checkNum, totalChecks, path),
				zap.Int("run_limit", s.RunLimit))
		}
	}
	checkNum++

	// Check 5: Solver command
	solverCommand := ""
	if cfg != nil {
		solverCommand = cfg.Solver.Command
	}
	argv, resolved, err := checkSolverCommand(s, solverCommand)
	if err != nil {
		log.Warn(fmt.Sprintf("[%d/%d] Checking solver command... ⚠️  %v", checkNum, totalChecks, err),
			zap.Strings("argv", argv))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking solver command... ✅ %s", checkNum, totalChecks, strings.Join(argv, " ")),
			zap.String("executable", resolved))
	}
	checkNum++

	// Check 6: Environment
	log.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	// S3-specific checks
	if doctorProvider == "s3" {
		allChecks = runS3Checks(cmd.Context(), checkNum, totalChecks, allChecks)
	}
	if cfg != nil && cfg.Archive.URI != "" {
		if !checkArchive(cmd.Context(), cfg) {
			allChecks = false
		}
	}

	log.Info("")
	if allChecks {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", binaryName))
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")
	return nil
}

// checkArchive runs the archive preflight against the configured URI.
func checkArchive(ctx context.Context, cfg *config.Config) bool {
	log := observability.CLILogger
	log.Info("")
	log.Info("Archive Checks:")

	t, err := archive.ParseURI(cfg.Archive.URI)
	if err != nil {
		log.Error("Checking archive URI... ❌ invalid", zap.String("uri", cfg.Archive.URI), zap.Error(err))
		return false
	}
	p, err := archive.Open(ctx, t, afero.NewOsFs(), archive.S3Options{
		Region:         cfg.Archive.Region,
		Endpoint:       cfg.Archive.Endpoint,
		Profile:        cfg.Archive.Profile,
		ForcePathStyle: cfg.Archive.ForcePathStyle,
	})
	if err != nil {
		log.Error("Checking archive provider... ❌ cannot connect", zap.String("provider", t.Type.String()), zap.Error(err))
		if t.Type == provider.ProviderS3 {
			printAWSCredentialsHelp()
		}
		return false
	}
	defer func() { _ = p.Close() }()

	report, err := preflight.Archive(ctx, p, t.Prefix, preflight.ModeReadSafe)
	for _, r := range report.Results {
		if r.Allowed {
			log.Info(fmt.Sprintf("Checking %s... ✅ %s", r.Capability, r.Method))
		} else {
			log.Error(fmt.Sprintf("Checking %s... ❌ %s", r.Capability, r.ErrorCode), zap.String("detail", r.Detail))
		}
	}
	return err == nil
}

// checkSolverCommand resolves the solver argv selected by s and the
// configured command, and looks up its executable on PATH.
func checkSolverCommand(s settings.Settings, command string) ([]string, string, error) {
	argv, err := vasp.NewDriver(afero.NewOsFs(), vasp.WithCommand(command)).Command(s)
	if err != nil {
		return nil, "", err
	}
	resolved, err := exec.LookPath(argv[0])
	if err != nil {
		return argv, "", fmt.Errorf("%s not found on PATH", argv[0])
	}
	return argv, resolved, nil
}

// runS3Checks runs S3-specific diagnostic checks.
func runS3Checks(ctx context.Context, checkNum, totalChecks int, allChecks bool) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Provider Checks:")

	// Check 7: AWS credentials
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	maskedKey := maskAccessKey(creds.AccessKeyID)
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskedKey),
		zap.String("source", creds.Source))
	checkNum++

	// Check 8: Credential source info
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))

	return allChecks
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials for archiving:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile and set archive.profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - archive.endpoint (GORELAX_ARCHIVE_ENDPOINT) and archive.force_path_style")
	observability.CLILogger.Info("")
}
