package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/torii-labs/torii/internal/gateway"
	"github.com/torii-labs/torii/internal/intel"
)

const (
	standardStreamPath = "-"
	jsonIndent         = "  "
	outputFileMode     = 0o644
)

// AnalyzeConfiguration selects the feature, subject and payload source of one run.
type AnalyzeConfiguration struct {
	Feature    string
	Subject    string
	InputPath  string
	OutputPath string
	Fetch      bool
	Page       int
	Gateway    gateway.Config
}

// AnalyzeDependencies holds the I/O edges of the application.
type AnalyzeDependencies struct {
	ReadInput    func(string) ([]byte, error)
	BuildFetcher func(gateway.Config) (gateway.Fetcher, error)
	WriteOutput  func(string, []byte) error
	Stdin        io.Reader
	Stdout       io.Writer
}

// AnalyzeApplication runs the analysis core over a saved or freshly fetched payload.
type AnalyzeApplication struct {
	dependencies AnalyzeDependencies
	service      *intel.Service
}

func NewAnalyzeApplication() AnalyzeApplication {
	return NewAnalyzeApplicationWithDependencies(AnalyzeDependencies{})
}

func NewAnalyzeApplicationWithDependencies(dependencies AnalyzeDependencies) AnalyzeApplication {
	defaultDependencies := newDefaultAnalyzeDependencies()

	if dependencies.Stdin == nil {
		dependencies.Stdin = defaultDependencies.Stdin
	}
	if dependencies.Stdout == nil {
		dependencies.Stdout = defaultDependencies.Stdout
	}
	if dependencies.ReadInput == nil {
		stdin := dependencies.Stdin
		dependencies.ReadInput = func(inputPath string) ([]byte, error) {
			return defaultReadInput(inputPath, stdin)
		}
	}
	if dependencies.BuildFetcher == nil {
		dependencies.BuildFetcher = defaultDependencies.BuildFetcher
	}
	if dependencies.WriteOutput == nil {
		stdout := dependencies.Stdout
		dependencies.WriteOutput = func(outputPath string, contents []byte) error {
			return defaultWriteOutput(outputPath, contents, stdout)
		}
	}

	return AnalyzeApplication{dependencies: dependencies, service: intel.NewService()}
}

func (application AnalyzeApplication) Run(executionContext context.Context, configuration AnalyzeConfiguration) error {
	feature, err := intel.ParseFeatureID(configuration.Feature)
	if err != nil {
		return err
	}
	subject := intel.NormalizeSubject(configuration.Subject)
	if subject == "" {
		return errMissingSubject
	}

	payload, err := application.loadPayload(executionContext, feature, subject, configuration)
	if err != nil {
		return err
	}

	viewModel, err := application.service.BuildViewModel(feature, subject, payload)
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(viewModel, "", jsonIndent)
	if err != nil {
		return fmt.Errorf(encodeErrorFormat, err)
	}
	return application.dependencies.WriteOutput(configuration.OutputPath, append(encoded, '\n'))
}

func (application AnalyzeApplication) loadPayload(executionContext context.Context, feature intel.FeatureID, subject string, configuration AnalyzeConfiguration) (intel.Payload, error) {
	if configuration.Fetch {
		if configuration.Page < gateway.DefaultPage {
			return intel.Payload{}, errInvalidPage
		}
		fetcher, err := application.dependencies.BuildFetcher(configuration.Gateway)
		if err != nil {
			return intel.Payload{}, fmt.Errorf(gatewayErrorFormat, err)
		}
		payload, err := fetcher.Fetch(executionContext, gateway.Request{Feature: feature, Subject: subject, Page: configuration.Page})
		if err != nil {
			return intel.Payload{}, fmt.Errorf(fetchErrorFormat, feature.DisplayName(), err)
		}
		return payload, nil
	}

	inputBytes, err := application.dependencies.ReadInput(configuration.InputPath)
	if err != nil {
		return intel.Payload{}, fmt.Errorf(readErrorFormat, configuration.InputPath, err)
	}
	return intel.ParsePayload(inputBytes)
}

func newDefaultAnalyzeDependencies() AnalyzeDependencies {
	return AnalyzeDependencies{
		BuildFetcher: func(configuration gateway.Config) (gateway.Fetcher, error) {
			return gateway.NewClient(configuration)
		},
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
	}
}

func defaultReadInput(inputPath string, stdin io.Reader) ([]byte, error) {
	if inputPath == "" || inputPath == standardStreamPath {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(inputPath)
}

func defaultWriteOutput(outputPath string, contents []byte, stdout io.Writer) error {
	if outputPath == "" || outputPath == standardStreamPath {
		_, err := stdout.Write(contents)
		return err
	}
	if err := os.WriteFile(outputPath, contents, outputFileMode); err != nil {
		return fmt.Errorf(writeFileErrorFormat, outputPath, err)
	}
	return nil
}
