package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bridgemq/bridgemq"
	"github.com/bridgemq/bridgemq/config"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// topologyFile is the declarative bootstrap format: a list of exchanges with
// optional bound inbox queues, each getting dead-letter routing by default.
type topologyFile struct {
	Topologies []topologyEntry `yaml:"topologies"`
}

type topologyEntry struct {
	Exchange    string          `yaml:"exchange"`
	Type        string          `yaml:"type"`
	Queue       string          `yaml:"queue"`
	RoutingKey  string          `yaml:"routing_key"`
	Durable     *bool           `yaml:"durable"`
	DLXExchange string          `yaml:"dlx_exchange"`
	DLXQueue    string          `yaml:"dlx_queue"`
	MessageTTL  config.Duration `yaml:"message_ttl"`
}

func (e topologyEntry) toConfig() bridgemq.TopologyConfig {
	var opts []bridgemq.TopologyOption
	if e.Type != "" {
		opts = append(opts, bridgemq.WithExchangeType(e.Type))
	}
	if e.Queue != "" {
		opts = append(opts, bridgemq.WithQueue(e.Queue))
	}
	if e.RoutingKey != "" {
		opts = append(opts, bridgemq.WithRoutingKey(e.RoutingKey))
	}
	if e.Durable != nil {
		opts = append(opts, bridgemq.WithDurable(*e.Durable))
	}
	if e.DLXExchange != "" || e.DLXQueue != "" {
		opts = append(opts, bridgemq.WithDLXNames(e.DLXExchange, e.DLXQueue))
	}
	if e.MessageTTL > 0 {
		opts = append(opts, bridgemq.WithMessageTTL(e.MessageTTL.Std()))
	}
	return bridgemq.NewTopologyConfig(e.Exchange, opts...)
}

func main() {
	var (
		configFile   string
		topologyPath string
		rabbitURL    string
		timeout      time.Duration
	)

	rootCmd := &cobra.Command{
		Use:   "topology-init",
		Short: "Declare the broker topology for the bridge",
		Long: `topology-init is a one-shot bootstrap tool. It reads a declarative YAML
topology file (exchanges plus per-system inbox queues with dead-letter routing
and optional message TTLs) and declares everything on the broker through the
bridge's system connection. Declaring an already existing topology with
identical settings is a no-op.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, configFile, topologyPath, rabbitURL, timeout)
		},
	}

	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "bridge configuration file (YAML)")
	rootCmd.Flags().StringVarP(&topologyPath, "topology", "t", "topology.yaml", "topology definition file (YAML)")
	rootCmd.Flags().StringVarP(&rabbitURL, "url", "u", "", "broker URL override (else config file / RABBITMQ_URL)")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "overall deadline for the bootstrap")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, configFile, topologyPath, rabbitURL string, timeout time.Duration) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		if rabbitURL == "" {
			return err
		}
		// A URL on the command line stands in for the one the config lacks.
		cfg = config.Default()
	}
	if rabbitURL != "" {
		cfg.Broker.URL = rabbitURL
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := os.ReadFile(topologyPath)
	if err != nil {
		return fmt.Errorf("read topology file: %w", err)
	}
	var topo topologyFile
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return fmt.Errorf("parse topology file: %w", err)
	}
	if len(topo.Topologies) == 0 {
		return fmt.Errorf("topology file %s declares nothing", topologyPath)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	client, err := bridgemq.NewClientFromConfig(cfg)
	if err != nil {
		return err
	}
	defer client.Shutdown()

	fmt.Printf("Connecting to %s\n", cfg.MaskedURL())
	for _, entry := range topo.Topologies {
		tc := entry.toConfig()
		if err := client.SetupTopology(ctx, nil, tc); err != nil {
			return fmt.Errorf("topology %s: %w", tc.ExchangeName, err)
		}
		if tc.QueueName != "" {
			fmt.Printf("  declared %s (%s) -> %s [dlx %s]\n",
				tc.ExchangeName, tc.ExchangeType, tc.QueueName, tc.DLXExchangeName)
		} else {
			fmt.Printf("  declared %s (%s) [dlx %s]\n",
				tc.ExchangeName, tc.ExchangeType, tc.DLXExchangeName)
		}
	}
	fmt.Printf("Topology initialized: %d definitions applied\n", len(topo.Topologies))
	return nil
}
