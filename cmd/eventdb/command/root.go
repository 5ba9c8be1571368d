/*
Copyright 2022 Codenotary Inc. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package eventdb

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/codenotary/eventdb/pkg/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func (cl *Commandline) NewRootCmd() (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "eventdb",
		Short: "eventdb - the event store for event sourced systems",
		Long: `eventdb - the event store for event sourced systems.

Streams of events are appended to a chunked transaction log, indexed per
stream and replicated to a quorum of nodes before they are acknowledged.

Options can be set through a config file (eventdb.toml in ./configs,
/etc/eventdb or $HOME) or environment variables derived by prefixing flag
names with "EVENTDB_", e.g. EVENTDB_CLUSTER_SIZE=3 ./eventdb.
  Note: flags take precedence over environment variables.
`,
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		RunE:              cl.eventdb,
		PersistentPreRunE: cl.ConfigChain(nil),
	}

	setupFlags(cmd.Flags(), server.DefaultOptions())
	cmd.PersistentFlags().StringVar(&cl.config.CfgFn, "config", "", "config file (default path are configs, /etc/eventdb or $HOME. Default filename is eventdb.toml)")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	setupDefaults(server.DefaultOptions())

	return cmd, nil
}

func (cl *Commandline) eventdb(cmd *cobra.Command, args []string) error {
	options, err := parseOptions()
	if err != nil {
		return err
	}
	options.WithConfig(cl.config.CfgFn)

	if options.Detached {
		return cl.P.Detached()
	}

	node, err := server.NewNode(options)
	if err != nil {
		return err
	}
	defer node.Logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, node)
}

// run keeps the node up until ctx is done.
func run(ctx context.Context, node *server.Node) error {
	err := node.Start()
	if err != nil {
		return err
	}

	<-ctx.Done()

	node.Logger.Infof("shutting down...")

	return node.Stop()
}
