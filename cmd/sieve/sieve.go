package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/k0kubun/pp/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/sievedata/sieve"
)

var version = "dev"

func parseOptions(args []string) sieve.Config {
	var opts struct {
		Config   string `short:"c" long:"config" description:"YAML config file" value-name:"path"`
		Source   string `long:"source" description:"Base URL of the record stream" value-name:"url"`
		Metadata string `long:"metadata" description:"Metadata store path" value-name:"path"`
		SQLType  string `long:"sql-type" description:"Relational backend (sqlite3, postgres, mysql, mssql, none)" value-name:"type"`
		SQLDb    string `long:"sql-db" description:"Relational database name or file" value-name:"db_name"`
		User     string `short:"u" long:"user" description:"Relational user name" value-name:"user_name"`
		Password string `short:"p" long:"password" description:"Relational password, - prompts" value-name:"password"`
		Host     string `short:"h" long:"host" description:"Relational server host" value-name:"host_name"`
		Port     uint   `short:"P" long:"port" description:"Relational server port" value-name:"port_num"`
		DocURI   string `long:"doc-uri" description:"MongoDB connection URI, none disables" value-name:"uri"`
		DocDb    string `long:"doc-db" description:"MongoDB database name" value-name:"db_name"`
		Feeders  int    `long:"feeders" description:"Concurrent feeders" value-name:"n"`
		Batches  int    `long:"batches" description:"Batches per feeder, 0 runs until interrupted" value-name:"n"`
		Report   bool   `long:"report" description:"Print learned schema and placement state, then exit"`
		Debug    bool   `long:"debug" description:"Verbose logging"`
		Help     bool   `long:"help" description:"Show this help"`
		Version  bool   `long:"version" description:"Show this version"`
	}

	parser := flags.NewParser(&opts, flags.None)
	parser.Usage = "[option...]"
	if _, err := parser.ParseArgs(args); err != nil {
		log.Fatal(err)
	}

	if opts.Help {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if opts.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	config := sieve.DefaultConfig()
	if opts.Config != "" {
		var err error
		config, err = sieve.ParseConfig(opts.Config)
		if err != nil {
			log.Fatal(err)
		}
	}

	if opts.Source != "" {
		config.SourceURL = opts.Source
	}
	if opts.Metadata != "" {
		config.MetadataFile = opts.Metadata
	}
	if opts.SQLType != "" {
		config.SQLType = opts.SQLType
	}
	if opts.SQLDb != "" {
		config.SQLDb = opts.SQLDb
	}
	if opts.User != "" {
		config.User = opts.User
	}
	if opts.Host != "" {
		config.Host = opts.Host
	}
	if opts.Port != 0 {
		config.Port = int(opts.Port)
	}
	if opts.DocURI != "" {
		config.DocURI = opts.DocURI
	}
	if opts.DocDb != "" {
		config.DocDb = opts.DocDb
	}
	if opts.Feeders > 0 {
		config.Feeders = opts.Feeders
	}
	if opts.Batches > 0 {
		config.TotalBatches = opts.Batches
	}

	switch opts.Password {
	case "":
	case "-":
		fmt.Print("Enter Password: ")
		pass, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println()
		config.Password = string(pass)
	default:
		config.Password = opts.Password
	}

	if opts.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if opts.Report {
		pp.Println(sieve.BuildReport(config))
		os.Exit(0)
	}
	return config
}

func main() {
	config := parseOptions(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sieve.Run(ctx, config); err != nil {
		log.Fatal(err)
	}
}
