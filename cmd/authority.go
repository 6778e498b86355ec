package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"

	"go.bctree.io/bctree/agent"
	"go.bctree.io/bctree/lib"
	"go.bctree.io/bctree/link"
)

// cmdAuthority handles the `bctree authority` sub-command
type cmdAuthority struct {
	rc *rootCommand

	listenAddr     string
	name           string
	categoryFilter string
}

func (c *cmdAuthority) run(cmd *cobra.Command, args []string) error {
	conf, err := agent.GetConsolidatedConfig(c.flagConfig(cmd.Flags()))
	if err != nil {
		return err
	}
	logger, err := c.rc.agentLogger(conf)
	if err != nil {
		return err
	}

	a, err := agent.New(lib.RoleAuthority, conf.Name.String, logger,
		func(disp link.Dispatcher) (link.Link, error) {
			srv, err := link.ListenWS(conf.ListenAddr.String, logger, disp)
			if err != nil {
				return nil, err
			}
			logger.Infof("Authority:Listen", "addr:%s", srv.Addr())
			return srv, nil
		})
	if err != nil {
		return err
	}
	return runAgent(a)
}

func (c *cmdAuthority) flagConfig(flags *pflag.FlagSet) agent.Config {
	conf := agent.Config{Role: null.StringFrom("authority")}
	if flags.Changed("listen-addr") {
		conf.ListenAddr = null.StringFrom(c.listenAddr)
	}
	if flags.Changed("name") {
		conf.Name = null.StringFrom(c.name)
	}
	if flags.Changed("category-filter") {
		conf.LogCategoryFilter = null.StringFrom(c.categoryFilter)
	}
	return conf
}

func (c *cmdAuthority) flagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.StringVar(&c.listenAddr, "listen-addr", "localhost:6599",
		"address on which to accept content process connections")
	flags.StringVar(&c.name, "name", "authority", "name this process announces itself with")
	flags.StringVar(&c.categoryFilter, "category-filter", "",
		"regular expression limiting which log categories are emitted")
	return flags
}

func getCmdAuthority(rc *rootCommand) *cobra.Command {
	c := &cmdAuthority{rc: rc}

	authorityCmd := &cobra.Command{
		Use:   "authority",
		Short: "Run the authority process",
		Long: `Run the authority process.

It keeps the canonical context tree, accepts content process connections and
arbitrates the unsubscribe and death handshakes.`,
		Args: cobra.NoArgs,
		RunE: c.run,
	}
	authorityCmd.Flags().SortFlags = false
	authorityCmd.Flags().AddFlagSet(c.flagSet())
	return authorityCmd
}
