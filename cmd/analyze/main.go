package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/torii-labs/torii/internal/gateway"
)

const (
	commandUse                 = "analyze"
	commandShortDescription    = "Run a feature analysis over a saved or fetched API payload"
	flagFeatureName            = "feature"
	flagFeatureDescription     = "Feature identifier (ca-detection, username-history, bio-history, first-followers, key-followers)"
	flagSubjectName            = "subject"
	flagSubjectDescription     = "Profile handle the payload belongs to"
	flagInputName              = "input"
	flagInputDescription       = "Path to a saved API response, - for stdin"
	flagOutputName             = "out"
	flagOutputDescription      = "Output JSON file path, - for stdout"
	flagFetchName              = "fetch"
	flagFetchDescription       = "Fetch the payload from the analysis API instead of reading --input"
	flagPageName               = "page"
	flagPageDescription        = "Result page to fetch, starting at 1"
	flagBaseURLName            = "base-url"
	flagBaseURLDescription     = "Analysis API base URL"
	missingSubjectErrorMessage = "a subject is required"
	invalidPageErrorMessage    = "--page must be at least 1"
	readErrorFormat            = "read %s: %w"
	fetchErrorFormat           = "failed to load %s: %w"
	gatewayErrorFormat         = "gateway client: %w"
	encodeErrorFormat          = "encode view model: %w"
	writeFileErrorFormat       = "write %s: %w"
)

var (
	errMissingSubject = errors.New(missingSubjectErrorMessage)
	errInvalidPage    = errors.New(invalidPageErrorMessage)
)

func main() {
	cobra.CheckErr(newAnalyzeCommand(NewAnalyzeApplication()).Execute())
}

func newAnalyzeCommand(application AnalyzeApplication) *cobra.Command {
	var configuration AnalyzeConfiguration
	command := &cobra.Command{
		Use:           commandUse,
		Short:         commandShortDescription,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(command *cobra.Command, _ []string) error {
			return application.Run(command.Context(), configuration)
		},
	}

	command.Flags().StringVar(&configuration.Feature, flagFeatureName, "", flagFeatureDescription)
	command.Flags().StringVar(&configuration.Subject, flagSubjectName, "", flagSubjectDescription)
	command.Flags().StringVar(&configuration.InputPath, flagInputName, standardStreamPath, flagInputDescription)
	command.Flags().StringVar(&configuration.OutputPath, flagOutputName, standardStreamPath, flagOutputDescription)
	command.Flags().BoolVar(&configuration.Fetch, flagFetchName, false, flagFetchDescription)
	command.Flags().IntVar(&configuration.Page, flagPageName, gateway.DefaultPage, flagPageDescription)
	command.Flags().StringVar(&configuration.Gateway.BaseURL, flagBaseURLName, gateway.DefaultBaseURL, flagBaseURLDescription)
	cobra.CheckErr(command.MarkFlagRequired(flagFeatureName))
	cobra.CheckErr(command.MarkFlagRequired(flagSubjectName))

	return command
}
