// yx CLI - loads compiled bytecode modules and runs them on the register VM
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/yxlang/yx/manifest"
	"github.com/yxlang/yx/vm"
	"github.com/yxlang/yx/vm/dist"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	dump := flag.Bool("dump", false, "Disassemble the module instead of running it")
	entry := flag.String("entry", "", "Function to run (default: the module entry point)")
	maxDepth := flag.Int("max-depth", 0, "Call stack depth limit (0 uses the manifest or default)")
	profileOut := flag.String("profile", "", "Write an execution profile to this DuckDB file")
	sealOut := flag.String("seal", "", "Write the module as a sealed transport envelope and exit")
	cachePath := flag.String("cache", "", "Module cache database (overrides the manifest)")
	fromCache := flag.String("from-cache", "", "Load the module from the cache by digest instead of a file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: yx [options] [module.yxbc|module.yxe]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a compiled module. A .yxe file is a sealed envelope and is\n")
		fmt.Fprintf(os.Stderr, "verified against its digest before execution.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  yx app.yxbc                    # Run the entry point\n")
		fmt.Fprintf(os.Stderr, "  yx -entry bench app.yxbc       # Run a named function\n")
		fmt.Fprintf(os.Stderr, "  yx -dump app.yxbc              # Print the disassembly\n")
		fmt.Fprintf(os.Stderr, "  yx -seal app.yxe app.yxbc      # Seal for transport\n")
		fmt.Fprintf(os.Stderr, "  yx -profile prof.db app.yxbc   # Profile a run\n")
		fmt.Fprintf(os.Stderr, "  yx -cache mods.db -from-cache <digest>  # Run from the cache\n")
	}
	flag.Parse()

	if *verbose {
		commonlog.Configure(1, nil)
	} else {
		commonlog.Configure(0, nil)
	}

	mf, err := manifest.FindAndLoad(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: manifest: %v\n", err)
	}

	module, name, err := loadModule(flag.Args(), *cachePath, *fromCache, mf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *sealOut != "" {
		if err := sealModule(module, name, *sealOut); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if *verbose {
			fmt.Printf("Sealed %s as %s\n", name, *sealOut)
		}
		return
	}

	if *dump {
		fmt.Print(vm.Disassemble(module))
		return
	}

	if path := cacheTarget(*cachePath, mf); path != "" && *fromCache == "" {
		digest, err := storeModule(module, name, path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cache: %v\n", err)
		} else if *verbose {
			fmt.Printf("Cached %s as %s\n", name, digest)
		}
	}

	os.Exit(runModule(module, name, mf, *entry, *maxDepth, *profileOut, *verbose))
}

// loadModule resolves the module from a file path, a sealed envelope or
// the cache database.
func loadModule(args []string, cacheFlag, fromCache string, mf *manifest.Manifest) (*vm.Module, string, error) {
	if fromCache != "" {
		path := cacheTarget(cacheFlag, mf)
		if path == "" {
			return nil, "", fmt.Errorf("-from-cache needs -cache or a manifest cache entry")
		}
		store, err := vm.OpenStore(path)
		if err != nil {
			return nil, "", err
		}
		defer store.Close()
		m, err := store.Get(fromCache)
		if err != nil {
			return nil, "", err
		}
		return m, fromCache, nil
	}

	if len(args) != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := args[0]
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	if filepath.Ext(path) == ".yxe" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", err
		}
		env, err := dist.Decode(data)
		if err != nil {
			return nil, "", err
		}
		m, err := env.Open()
		if err != nil {
			return nil, "", err
		}
		return m, env.Name, nil
	}

	m, err := vm.LoadFile(path)
	if err != nil {
		return nil, "", err
	}
	return m, name, nil
}

func sealModule(m *vm.Module, name, out string) error {
	data, err := dist.Seal(name, m).Encode()
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

// cacheTarget picks the cache database path: the flag wins, then the
// manifest.
func cacheTarget(flagPath string, mf *manifest.Manifest) string {
	if flagPath != "" {
		return flagPath
	}
	if mf != nil {
		return mf.CachePath()
	}
	return ""
}

func storeModule(m *vm.Module, name, path string) (string, error) {
	store, err := vm.OpenStore(path)
	if err != nil {
		return "", err
	}
	defer store.Close()
	return store.Put(name, m)
}

// runModule executes the module and returns the process exit code. An
// integer result becomes the exit code, anything else prints.
func runModule(m *vm.Module, name string, mf *manifest.Manifest, entry string, maxDepth int, profileOut string, verbose bool) int {
	cfg := vm.Config{MaxDepth: maxDepth}
	if cfg.MaxDepth == 0 && mf != nil {
		cfg.MaxDepth = mf.VM.MaxCallDepth
	}
	if profileOut == "" && mf != nil {
		profileOut = mf.ProfilePath()
	}
	if profileOut != "" {
		cfg.Profiler = vm.NewProfiler()
	}

	in := vm.NewInterpreterWithConfig(m, cfg)

	var result vm.Value
	var err error
	if entry != "" {
		result, err = in.Call(entry, nil)
	} else {
		result, err = in.Run()
	}

	if cfg.Profiler != nil {
		if ferr := flushProfile(cfg.Profiler, profileOut, name); ferr != nil {
			fmt.Fprintf(os.Stderr, "Warning: profile: %v\n", ferr)
		} else if verbose {
			fmt.Printf("Profile written to %s (%d ops)\n", profileOut, cfg.Profiler.TotalOps())
		}
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	switch result.Kind {
	case vm.KindUnit:
		return 0
	case vm.KindInt:
		return int(result.I)
	default:
		fmt.Println(in.Render(result))
		return 0
	}
}

func flushProfile(p *vm.Profiler, path, moduleName string) error {
	db, err := vm.OpenProfileDB(path)
	if err != nil {
		return err
	}
	defer db.Close()
	return p.Flush(db, moduleName)
}
