package config

import "fmt"

// Variable declares a value resolved at load time from vars.txt, the
// environment or a .env file, and referenced as vars.<name>.
type Variable struct {
	Name    string `hcl:"name,label"`
	Default string `hcl:"default,optional"`
	Secret  bool   `hcl:"secret,optional"`
}

func (v *Variable) Validate() error {
	if v.Secret && v.Default != "" {
		return fmt.Errorf("Invalid secret; Secret variable '%s' cannot have a default value set in config", v.Name)
	}
	return nil
}
