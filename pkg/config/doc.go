// Package config loads the epm configuration.
//
// Configuration is read from the file given with --config, otherwise from
// the first of ~/.epm/config.yaml and /etc/epm.yaml that exists. The file
// found determines the default data directory (~/.epm or /var/state/epm).
// With no file at all the built-in defaults are used.
//
// Files ending in .cue are evaluated with CUE and must satisfy the #Config
// definition; all other files are YAML. Both are checked with struct tag
// validation and the same CUE schema, so errors carry the offending field
// and, for CUE sources, a file position.
//
//	loader := config.NewLoader()
//	cfg, err := loader.Load(flagConfig)
//	if err != nil {
//		return err
//	}
//	for _, ch := range cfg.EnabledChannels() {
//		fmt.Println(ch.Name, ch.Type, ch.URL)
//	}
package config
