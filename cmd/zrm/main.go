// Command zrm is an introspection tool for a running ZRM network: it lists
// the nodes, topics and services visible in a domain and can echo raw topic
// traffic. Transport and domain are taken from the usual ZRM configuration
// (zrm.yaml / ZRM_* environment variables), overridable by flags.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	zrm "zrm.evalgo.org"
	zrmcodec "zrm.evalgo.org/codec"
	"zrm.evalgo.org/config"
)

var (
	flagDomain    int
	flagTransport string
	flagRedisURL  string
	flagWindow    time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "zrm",
		Short: "Introspect a running ZRM network",
		Long: `zrm lists the nodes, topics and services currently visible in one
discovery domain and can echo raw topic traffic. Discovery is eventually
consistent, so listing commands observe the network for a settle window
before printing.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().IntVar(&flagDomain, "domain", -1, "discovery domain id (default from configuration)")
	rootCmd.PersistentFlags().StringVar(&flagTransport, "transport", "", "transport to use: memory or redis (default from configuration)")
	rootCmd.PersistentFlags().StringVar(&flagRedisURL, "redis-url", "", "redis URL for the redis transport")
	rootCmd.PersistentFlags().DurationVar(&flagWindow, "window", time.Second, "discovery settle window")

	graphCmd := &cobra.Command{
		Use:   "graph",
		Short: "Query the discovery graph",
	}
	graphCmd.AddCommand(
		&cobra.Command{
			Use:   "nodes",
			Short: "List currently-alive nodes",
			RunE:  func(cmd *cobra.Command, args []string) error { return runGraph(printNodes) },
		},
		&cobra.Command{
			Use:   "topics",
			Short: "List topics and their schema names",
			RunE:  func(cmd *cobra.Command, args []string) error { return runGraph(printTopics) },
		},
		&cobra.Command{
			Use:   "services",
			Short: "List services and their schema names",
			RunE:  func(cmd *cobra.Command, args []string) error { return runGraph(printServices) },
		},
	)

	topicCmd := &cobra.Command{
		Use:   "topic",
		Short: "Work with topics",
	}
	topicCmd.AddCommand(&cobra.Command{
		Use:   "echo <topic>",
		Short: "Print samples published on a topic",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return runEcho(args[0]) },
	})

	rootCmd.AddCommand(graphCmd, topicCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the runtime configuration with flag overrides applied.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flagDomain >= 0 {
		cfg.DomainID = flagDomain
	}
	if flagTransport != "" {
		cfg.Transport = flagTransport
	}
	if flagRedisURL != "" {
		cfg.RedisURL = flagRedisURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runGraph(print func(graph *zrm.Graph)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, err := zrm.NewContext(cfg)
	if err != nil {
		return fmt.Errorf("failed to open context: %w", err)
	}
	defer ctx.Close()

	graph, err := zrm.NewGraph(ctx.Session(), ctx.DomainID())
	if err != nil {
		return err
	}
	defer graph.Close()

	// Let discovery settle before reading the indexes.
	time.Sleep(flagWindow)
	print(graph)
	return nil
}

func printNodes(graph *zrm.Graph) {
	for _, name := range graph.NodeNames() {
		fmt.Println(name)
	}
}

func printTopics(graph *zrm.Graph) {
	for _, topic := range graph.TopicNamesAndTypes() {
		fmt.Printf("%s\t%v\n", topic.Name, topic.Types)
	}
}

func printServices(graph *zrm.Graph) {
	for _, service := range graph.ServiceNamesAndTypes() {
		fmt.Printf("%s\t%v\n", service.Name, service.Types)
	}
}

func runEcho(topic string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, err := zrm.NewContext(cfg)
	if err != nil {
		return fmt.Errorf("failed to open context: %w", err)
	}
	defer ctx.Close()

	// Raw transport subscription: samples are decoded generically so the
	// tool works without knowing the schema.
	sub, err := ctx.Session().DeclareSubscriber(ctx.DataKey(topic), func(_ string, payload []byte) {
		schema, body, err := zrmcodec.DecodeRaw(payload)
		if err != nil {
			fmt.Fprintf(os.Stderr, "undecodable sample: %v\n", err)
			return
		}
		value, err := zrmcodec.ToAny(body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "undecodable body (%s): %v\n", schema, err)
			return
		}
		rendered, err := json.Marshal(value)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unrenderable body (%s): %v\n", schema, err)
			return
		}
		fmt.Printf("[%s] %s\n", schema, rendered)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Close()

	fmt.Fprintf(os.Stderr, "echoing %q in domain %d (Ctrl+C to exit)\n", topic, ctx.DomainID())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	return nil
}
