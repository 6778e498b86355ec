package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"

	"go.bctree.io/bctree/agent"
	"go.bctree.io/bctree/lib"
	"go.bctree.io/bctree/link"
)

// cmdContent handles the `bctree content` sub-command
type cmdContent struct {
	rc *rootCommand

	authorityURL   string
	name           string
	categoryFilter string
}

func (c *cmdContent) run(cmd *cobra.Command, args []string) error {
	conf, err := agent.GetConsolidatedConfig(c.flagConfig(cmd.Flags()))
	if err != nil {
		return err
	}
	logger, err := c.rc.agentLogger(conf)
	if err != nil {
		return err
	}

	a, err := agent.New(lib.RoleContent, conf.Name.String, logger,
		func(disp link.Dispatcher) (link.Link, error) {
			cli, err := link.DialWS(conf.AuthorityURL.String, logger, disp)
			if err != nil {
				return nil, err
			}
			logger.Infof("Content:Connect", "url:%s", conf.AuthorityURL.String)
			return cli, nil
		})
	if err != nil {
		return err
	}
	return runAgent(a)
}

func (c *cmdContent) flagConfig(flags *pflag.FlagSet) agent.Config {
	conf := agent.Config{Role: null.StringFrom("content")}
	if flags.Changed("authority-url") {
		conf.AuthorityURL = null.StringFrom(c.authorityURL)
	}
	if flags.Changed("name") {
		conf.Name = null.StringFrom(c.name)
	}
	if flags.Changed("category-filter") {
		conf.LogCategoryFilter = null.StringFrom(c.categoryFilter)
	}
	return conf
}

func (c *cmdContent) flagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.StringVar(&c.authorityURL, "authority-url", "ws://localhost:6599/",
		"websocket URL of the authority process")
	flags.StringVar(&c.name, "name", "content", "name this process announces itself with")
	flags.StringVar(&c.categoryFilter, "category-filter", "",
		"regular expression limiting which log categories are emitted")
	return flags
}

func getCmdContent(rc *rootCommand) *cobra.Command {
	c := &cmdContent{rc: rc}

	contentCmd := &cobra.Command{
		Use:   "content",
		Short: "Run a content process",
		Long: `Run a content process.

It connects to the authority, announces the contexts it creates and keeps
replicas of the contexts transmitted to it.`,
		Args: cobra.NoArgs,
		RunE: c.run,
	}
	contentCmd.Flags().SortFlags = false
	contentCmd.Flags().AddFlagSet(c.flagSet())
	return contentCmd
}
