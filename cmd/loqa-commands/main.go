package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/loqalabs/loqa-voicecommand/internal/command"
	"github.com/loqalabs/loqa-voicecommand/internal/commandset"
	"github.com/loqalabs/loqa-voicecommand/internal/stt"
)

var version = "0.1.0-dev"

func main() {
	var (
		manifestPath string
		matchPath    string
		confidence   float64
		threshold    float64
		firstAccept  bool
		onDevice     bool
	)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&manifestPath, "file", "commands.yaml", "Path to command manifest")

	matchCmd := flag.NewFlagSet("match", flag.ExitOnError)
	matchCmd.StringVar(&matchPath, "file", "commands.yaml", "Path to command manifest")
	matchCmd.Float64Var(&confidence, "confidence", 0, "Confidence reported for every word")
	matchCmd.Float64Var(&threshold, "min-confidence", 0.8, "Minimum acceptable confidence")
	matchCmd.BoolVar(&firstAccept, "accept-first", true, "Accept the first recognition")
	matchCmd.BoolVar(&onDevice, "on-device", true, "Evaluate as an on-device recognizer")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'match' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := runValidate(manifestPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("manifest valid")
	case "match":
		matchCmd.Parse(os.Args[2:])
		phrase := strings.Join(matchCmd.Args(), " ")
		if phrase == "" {
			fmt.Fprintln(os.Stderr, "expected a phrase to match")
			os.Exit(2)
		}
		policy := command.Policy{
			AcceptsFirstRecognition:     firstAccept,
			MinimumAcceptableConfidence: float32(threshold),
			OnDeviceOnly:                onDevice,
		}
		if err := runMatch(os.Stdout, matchPath, phrase, float32(confidence), policy); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runValidate(path string) error {
	m, err := commandset.Load(path)
	if err != nil {
		return err
	}
	return commandset.Validate(m)
}

// runMatch feeds phrase word by word through a fresh matcher, the way a
// recognizer streams partial results, and prints every detection.
func runMatch(w io.Writer, path, phrase string, confidence float32, policy command.Policy) error {
	m, err := commandset.Load(path)
	if err != nil {
		return err
	}
	if err := commandset.Validate(m); err != nil {
		return err
	}
	registry := command.NewRegistry(m.Commands())
	matcher := command.NewMatcher()
	defer matcher.Reset()

	words := strings.Fields(phrase)
	matches := 0
	for i, word := range words {
		update := stt.Update{
			Segment:    word,
			Transcript: strings.Join(words[:i+1], " "),
			Confidence: confidence,
		}
		for _, cmd := range matcher.Evaluate(update, policy, registry) {
			matches++
			fmt.Fprintf(w, "word %d %q: %s\n", i+1, word, cmd.Text)
		}
	}
	if matches == 0 {
		fmt.Fprintln(w, "no command matched")
	}
	return nil
}
