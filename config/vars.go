package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

func GetVarsFilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".nexus", "vars.txt"), nil
}

func ensureVarsDir() error {
	path, err := GetVarsFilePath()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	return os.MkdirAll(dir, 0700)
}

func LoadVarsFromFile() (map[string]string, error) {
	vars := make(map[string]string)

	path, err := GetVarsFilePath()
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return vars, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			vars[parts[0]] = parts[1]
		}
	}

	return vars, scanner.Err()
}

func SaveVarsToFile(vars map[string]string) error {
	if err := ensureVarsDir(); err != nil {
		return err
	}

	path, err := GetVarsFilePath()
	if err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer file.Close()

	for _, name := range sortedKeys(vars) {
		if _, err := fmt.Fprintf(file, "%s=%s\n", name, vars[name]); err != nil {
			return err
		}
	}

	return nil
}

func GetVar(name string) (string, error) {
	vars, err := LoadVarsFromFile()
	if err != nil {
		return "", err
	}
	value, ok := vars[name]
	if !ok {
		return "", fmt.Errorf("variable '%s' not found", name)
	}
	return value, nil
}

func SetVar(name, value string) error {
	vars, err := LoadVarsFromFile()
	if err != nil {
		return err
	}
	vars[name] = value
	return SaveVarsToFile(vars)
}

func DeleteVar(name string) error {
	vars, err := LoadVarsFromFile()
	if err != nil {
		return err
	}
	if _, ok := vars[name]; !ok {
		return fmt.Errorf("variable '%s' not found", name)
	}
	delete(vars, name)
	return SaveVarsToFile(vars)
}

func ListVars() ([]string, error) {
	vars, err := LoadVarsFromFile()
	if err != nil {
		return nil, err
	}
	return sortedKeys(vars), nil
}

// varSources layers the places a variable value can come from.
type varSources struct {
	file   map[string]string // ~/.nexus/vars.txt
	dotenv map[string]string // .env files next to the config and in the working directory
}

// loadVarSources reads vars.txt and any .env files found in dirs.
// Missing files are not an error.
func loadVarSources(dirs []string) varSources {
	src := varSources{dotenv: make(map[string]string)}
	src.file, _ = LoadVarsFromFile()

	seen := make(map[string]bool)
	for _, dir := range dirs {
		path := filepath.Join(dir, ".env")
		if seen[path] {
			continue
		}
		seen[path] = true
		values, err := godotenv.Read(path)
		if err != nil {
			continue
		}
		for k, v := range values {
			if _, exists := src.dotenv[k]; !exists {
				src.dotenv[k] = v
			}
		}
	}
	return src
}

// resolve returns the effective value for a variable.
// Priority: vars.txt > process environment > .env file > default from config
func (s varSources) resolve(v *Variable) string {
	if val, ok := s.file[v.Name]; ok {
		return val
	}
	envName := strings.ToUpper(v.Name)
	if val, ok := os.LookupEnv(envName); ok {
		return val
	}
	if val, ok := s.dotenv[envName]; ok {
		return val
	}
	return v.Default
}

// ResolveVariableValue returns the effective value for a variable using
// the working directory's .env file.
func ResolveVariableValue(v *Variable) (string, error) {
	if _, err := LoadVarsFromFile(); err != nil {
		return "", err
	}
	return loadVarSources([]string{"."}).resolve(v), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
