package banner

import (
	"fmt"

	"nimbusd/pkg/config"
)

const banner = `
███╗   ██╗██╗███╗   ███╗██████╗ ██╗   ██╗███████╗
████╗  ██║██║████╗ ████║██╔══██╗██║   ██║██╔════╝
██╔██╗ ██║██║██╔████╔██║██████╔╝██║   ██║███████╗
██║╚██╗██║██║██║╚██╔╝██║██╔══██╗██║   ██║╚════██║
██║ ╚████║██║██║ ╚═╝ ██║██████╔╝╚██████╔╝███████║
╚═╝  ╚═══╝╚═╝╚═╝     ╚═╝╚═════╝  ╚═════╝ ╚══════╝
`

// PrintWithEff prints the startup banner using an EffectiveConfigResult
// which provides richer context (config, addr, dbpath, source).
func PrintWithEff(eff config.EffectiveConfigResult, version string) {
	var addr = eff.Addr
	if addr == "" && eff.Config != nil {
		addr = eff.Config.Addr()
	}
	var dbPath = eff.DBPath
	if dbPath == "" && eff.Config != nil {
		dbPath = eff.Config.Server.DBPath
	}
	var src = eff.Source
	if src == "" {
		src = "flags"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Config: %s\n", src)

	fmt.Println("\n== Examples ===================================================")
	fmt.Println("curl -X POST 'http://<host>:<port>/v1/generate' -d '{\"message\": \"hello\"}'")
	fmt.Println("curl 'http://<host>:<port>/v1/threads'")
	fmt.Println("\n== Production? =================================================")
	// API keys
	be := 0
	fe := 0
	ak := 0
	if eff.Config != nil {
		be = len(eff.Config.Security.APIKeys.Backend)
		fe = len(eff.Config.Security.APIKeys.Frontend)
		ak = len(eff.Config.Security.APIKeys.Admin)
	}
	if be > 0 {
		fmt.Printf("- Backend API keys: OK (%d)\n", be)
	} else {
		fmt.Println("- Backend API keys: MISSING (required for backend services)")
	}
	if fe > 0 {
		fmt.Printf("- Frontend API keys: OK (%d)\n", fe)
	} else {
		fmt.Println("- Frontend API keys: MISSING (required for client access)")
	}
	if ak > 0 {
		fmt.Printf("- Admin API keys: OK (%d)\n", ak)
	} else {
		fmt.Println("- Admin API keys: MISSING (required for admin tooling)")
	}

	// TLS
	tlsOK := false
	if eff.Config != nil && eff.Config.Server.TLS.CertFile != "" && eff.Config.Server.TLS.KeyFile != "" {
		tlsOK = true
	}
	if tlsOK {
		fmt.Println("- TLS: configured")
	} else {
		fmt.Println("- TLS: unconfigured")
	}

	// DB path
	if eff.DBPath != "" {
		fmt.Printf("- DB Path: %s\n", eff.DBPath)
	} else {
		fmt.Println("- DB Path: not set (use --db or NIMBUS_DB_PATH)")
	}

	// Inference upstream
	infOK := false
	infModel := ""
	if eff.Config != nil {
		infOK = eff.Config.Inference.Endpoint != ""
		infModel = eff.Config.Inference.DefaultModel
	}
	if infOK {
		if infModel != "" {
			fmt.Printf("- Inference: configured (default model %s)\n", infModel)
		} else {
			fmt.Println("- Inference: configured")
		}
	} else {
		fmt.Println("- Inference: MISSING (generation endpoints will fail)")
	}

	// Guest retention
	retEnabled := false
	retInfo := ""
	if eff.Config != nil {
		retEnabled = eff.Config.Retention.Enabled
		if retEnabled {
			if eff.Config.Retention.Cron != "" {
				retInfo = "cron=" + eff.Config.Retention.Cron
			} else if eff.Config.Retention.Period != "" {
				retInfo = "period=" + eff.Config.Retention.Period
			}
		}
	}
	if retEnabled {
		if retInfo != "" {
			fmt.Printf("- Guest retention: enabled (%s)\n", retInfo)
		} else {
			fmt.Println("- Guest retention: enabled")
		}
	} else {
		fmt.Println("- Guest retention: disabled")
	}

	fmt.Println("\n== Logs: =================================================")
}
