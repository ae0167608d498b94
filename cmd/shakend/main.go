package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/shakend/internal/config"
	"github.com/dropDatabas3/shakend/internal/engine"
	httpserver "github.com/dropDatabas3/shakend/internal/http"
	"github.com/dropDatabas3/shakend/internal/observability/logger"
)

var version = "dev"

func main() {
	// .env opcional para desarrollo; en prod las vars vienen del entorno.
	_ = godotenv.Load()

	var cfgPath string

	root := &cobra.Command{
		Use:     "shakend",
		Short:   "Motor de verificación y firma STIR/SHAKEN",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "shakend.yaml", "path al YAML de configuración")

	root.AddCommand(serveCmd(&cfgPath))
	root.AddCommand(keysCmd(&cfgPath))
	root.AddCommand(signCmd(&cfgPath))
	root.AddCommand(verifyCmd(&cfgPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildEngine carga config, inicializa el logger y construye el engine.
func buildEngine(cfgPath string) (*config.Config, *engine.Engine, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}

	logger.Setup(cfg.Log.Env, cfg.Log.Level)

	eng, err := engine.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, eng, nil
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Levanta el servidor HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, eng, err := buildEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.L().Sync() }()
			defer eng.Close()

			srv := httpserver.NewServer(cfg.Server.Addr, eng)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-stop:
				logger.L().Info("apagando", logger.String("signal", sig.String()))
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(ctx)
			}
		},
	}
}

func keysCmd(cfgPath *string) *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Opera el cache de claves públicas",
	}

	keys.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Lista las URLs de claves cacheadas",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, eng, err := buildEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer eng.Close()

			urls, err := eng.CachedKeyURLs()
			if err != nil {
				return err
			}
			for _, u := range urls {
				fmt.Println(u)
			}
			return nil
		},
	})

	keys.AddCommand(&cobra.Command{
		Use:   "purge <url>",
		Short: "Desaloja una clave cacheada (índice + archivo)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, eng, err := buildEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer eng.Close()

			eng.EvictKey(args[0])
			fmt.Println("ok")
			return nil
		},
	})

	return keys
}

func signCmd(cfgPath *string) *cobra.Command {
	var inFile string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Firma un documento JWT (JSON desde --in o stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, eng, err := buildEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer eng.Close()

			raw, err := readInput(inFile)
			if err != nil {
				return err
			}
			var doc map[string]any
			if err := json.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("parse input JSON: %w", err)
			}

			p, err := eng.Sign(cmd.Context(), doc)
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}
	cmd.Flags().StringVar(&inFile, "in", "", "archivo JSON de entrada (default: stdin)")
	return cmd
}

func verifyCmd(cfgPath *string) *cobra.Command {
	var inFile string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verifica una aserción (JSON {header,payload,signature,alg,x5u})",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, eng, err := buildEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer eng.Close()

			raw, err := readInput(inFile)
			if err != nil {
				return err
			}
			var in engine.VerifyInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return fmt.Errorf("parse input JSON: %w", err)
			}

			p, err := eng.Verify(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}
	cmd.Flags().StringVar(&inFile, "in", "", "archivo JSON de entrada (default: stdin)")
	return cmd
}

func readInput(path string) ([]byte, error) {
	if path == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
