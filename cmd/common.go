package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"go.bctree.io/bctree/agent"
	"go.bctree.io/bctree/log"
)

// agentLogger builds the category logger an agent uses from the root
// command's logrus instance and the consolidated config.
func (c *rootCommand) agentLogger(conf agent.Config) (*log.Logger, error) {
	var filter *regexp.Regexp
	if conf.LogCategoryFilter.Valid {
		var err error
		filter, err = regexp.Compile(conf.LogCategoryFilter.String)
		if err != nil {
			return nil, fmt.Errorf("compiling log category filter: %w", err)
		}
	}
	logger := log.New(c.logger, c.verbose, filter)
	if conf.LogLevel.Valid {
		if err := logger.SetLevel(conf.LogLevel.String); err != nil {
			return nil, err
		}
	}
	return logger, nil
}

// runAgent runs a until an interrupt or termination signal arrives.
func runAgent(a *agent.Agent) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		a.Close()
	}()
	return a.Run()
}
