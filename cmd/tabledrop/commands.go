package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/TableDrop/internal/config"
	"github.com/dharsanguruparan/TableDrop/internal/export"
	"github.com/dharsanguruparan/TableDrop/internal/extract"
	"github.com/dharsanguruparan/TableDrop/internal/logging"
	pdfutil "github.com/dharsanguruparan/TableDrop/internal/pdf"
	"github.com/dharsanguruparan/TableDrop/internal/processing"
	"github.com/dharsanguruparan/TableDrop/internal/server"
	"github.com/dharsanguruparan/TableDrop/internal/signing"
	"github.com/dharsanguruparan/TableDrop/internal/storage"
)

// errNoTable makes the process exit with status 2.
var errNoTable = errors.New("no table data found in the selected PDF/page")

type rootOptions struct {
	logLevel  string
	logFormat string
}

func (o *rootOptions) logger(cmd *cobra.Command) (*logrus.Logger, error) {
	return logging.NewWithOutput(cmd.ErrOrStderr(), o.logLevel, o.logFormat)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "tabledrop",
		Short: "Extract tables from PDF files",
		Long: `TableDrop finds the table on one page or every page of a PDF, uses each
table's first row as its header and joins the tables into one, written as CSV
or Excel.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "Log format (text, json)")
	cmd.AddCommand(
		newExtractCmd(opts),
		newPagesCmd(),
		newInspectCmd(),
		newTextCmd(),
		newServeCmd(opts),
	)
	return cmd
}

func newExtractCmd(opts *rootOptions) *cobra.Command {
	var (
		page   string
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "extract FILE",
		Short: "Extract the combined table as CSV or XLSX",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := extract.ParsePageSelector(page)
			if err != nil {
				return err
			}
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			logger, err := opts.logger(cmd)
			if err != nil {
				return err
			}
			res, err := extract.New(extract.NewPDFOpener(), logger).
				ExtractTables(cmd.Context(), extract.FileSource(args[0]), sel)
			if err != nil {
				return err
			}
			if !res.Found() {
				return errNoTable
			}
			if output == "" && f == export.XLSX {
				output = f.FileName()
			}
			data, err := export.Encode(f, res.Table)
			if err != nil {
				return err
			}
			if output == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d rows from pages %v to %s\n", len(res.Table.Rows), res.Pages, output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&page, "page", "p", "all", "Page number to extract, or \"all\"")
	cmd.Flags().StringVarP(&format, "format", "f", "csv", "Output format (csv, xlsx)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (CSV defaults to stdout, XLSX to extracted_table.xlsx)")
	return cmd
}

func newPagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pages FILE",
		Short: "Print the page count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := pdfutil.Open(args[0])
			if err != nil {
				return err
			}
			defer doc.Close()
			fmt.Fprintln(cmd.OutOrStdout(), doc.NumPages())
			return nil
		},
	}
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "Validate the PDF structure and report its page count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := pdfutil.Inspect(f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid PDF, %d pages\n", info.Pages)
			return nil
		},
	}
}

func newTextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "text FILE",
		Short: "Print the plain text of every page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			text, err := pdfutil.ExtractFromReader(f)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), text)
			return err
		},
	}
}

// newServeCmd runs the interactive server in-process with the environment
// configuration, overriding the listen address when --address is set.
func newServeCmd(opts *rootOptions) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the upload and extraction web UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Address = address
			}
			level := opts.logLevel
			if !cmd.Flags().Changed("log-level") {
				level = cfg.LogLevel
			}
			logger, err := logging.NewWithOutput(cmd.ErrOrStderr(), level, opts.logFormat)
			if err != nil {
				return err
			}
			store := storage.NewMemoryStore()
			processor := processing.New(store, extract.New(extract.NewPDFOpener(), logger), cfg.ProcessingPool, cfg.ExtractTimeout, logger)
			srv, err := server.New(cfg, store, processor, signing.NewSigner(cfg.SigningSecret), logger, "")
			if err != nil {
				return err
			}
			return srv.Serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "Listen address (default from TABLEDROP_ADDRESS)")
	return cmd
}
