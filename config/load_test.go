package config_test

import (
	"os"
	"path/filepath"
	"nexus/config"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config Loading", func() {

	Describe("Load", func() {
		It("routes to LoadFile for a file path", func() {
			_, f := writeFixture("vars.hcl", `variable "x" { default = "val" }`)
			cfg, err := config.Load(f)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Variables).To(HaveLen(1))
			Expect(cfg.Variables[0].Name).To(Equal("x"))
		})

		It("routes to LoadDir for a directory path", func() {
			dir := writeFixtures(map[string]string{
				"variables.hcl": `variable "a" { default = "1" }`,
				"models.hcl": minimalVarsHCL() + `
model "test" {
  provider       = "openai"
  allowed_models = ["gpt_4o"]
  api_key        = vars.test_api_key
}
`,
			})
			cfg, err := config.Load(dir)
			Expect(err).NotTo(HaveOccurred())
			// Variables from both files (test_api_key from minimalVarsHCL + "a")
			Expect(len(cfg.Variables)).To(BeNumerically(">=", 1))
			Expect(cfg.Models).To(HaveLen(1))
		})

		It("returns error for nonexistent path", func() {
			_, err := config.Load("/nonexistent/path/config.hcl")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("LoadFile", func() {
		It("parses a single HCL file with multiple block types", func() {
			hcl := minimalVarsHCL() + minimalModelHCL() + minimalSettingsHCL()
			_, f := writeFixture("config.hcl", hcl)
			cfg, err := config.LoadFile(f)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Variables).To(HaveLen(1))
			Expect(cfg.Models).To(HaveLen(1))
			Expect(cfg.Summarizer).NotTo(BeNil())
		})

		It("returns parse error for invalid HCL syntax", func() {
			_, f := writeFixture("bad.hcl", `model { missing label and brace`)
			_, err := config.LoadFile(f)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("LoadDir", func() {
		It("loads all .hcl files from the directory", func() {
			dir := writeFixtures(map[string]string{
				"variables.hcl": `variable "v1" { default = "a" }`,
				"models.hcl": `
variable "k" { default = "key" }
model "m1" {
  provider       = "openai"
  allowed_models = ["gpt_4o"]
  api_key        = vars.k
}
`,
			})
			cfg, err := config.LoadDir(dir)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Models).To(HaveLen(1))
		})

		It("ignores non-.hcl files", func() {
			dir := writeFixtures(map[string]string{
				"config.hcl":    `variable "x" { default = "y" }`,
				"readme.txt":    `This is not HCL`,
				"data.json":     `{"key": "value"}`,
			})
			cfg, err := config.LoadDir(dir)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Variables).To(HaveLen(1))
		})

		It("returns empty config for directory with no .hcl files", func() {
			dir := GinkgoT().TempDir()
			// Write a non-HCL file so the dir isn't completely empty
			err := os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("hello"), 0644)
			Expect(err).NotTo(HaveOccurred())
			cfg, err := config.LoadDir(dir)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Variables).To(BeEmpty())
			Expect(cfg.Models).To(BeEmpty())
			Expect(cfg.Summarizer).To(BeNil())
		})
	})

	Describe("Staged evaluation order", func() {
		It("resolves variable references in model blocks", func() {
			hcl := `
variable "my_key" { default = "resolved-api-key" }
model "test" {
  provider       = "anthropic"
  allowed_models = ["claude_sonnet_4"]
  api_key        = vars.my_key
}
`
			_, f := writeFixture("config.hcl", hcl)
			cfg, err := config.LoadFile(f)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Models[0].APIKey).To(Equal("resolved-api-key"))
		})

		It("resolves model references in settings blocks", func() {
			hcl := minimalVarsHCL() + minimalModelHCL() + minimalSettingsHCL()
			_, f := writeFixture("config.hcl", hcl)
			cfg, err := config.LoadFile(f)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Server.DefaultEngine).To(Equal("claude_sonnet_4"))
			Expect(cfg.Summarizer.Model).To(Equal("claude_sonnet_4"))
		})

		It("resolves variable references in settings blocks", func() {
			hcl := `
variable "dsn" { default = "postgres://localhost/nexus" }
storage {
  backend = "postgres"
  dsn     = vars.dsn
}
`
			_, f := writeFixture("config.hcl", hcl)
			cfg, err := config.LoadFile(f)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Storage.DSN).To(Equal("postgres://localhost/nexus"))
			Expect(cfg.Validate()).To(Succeed())
		})
	})

	Describe("ResolvedVars", func() {
		It("populates ResolvedVars map from variable defaults", func() {
			hcl := `variable "app_name" { default = "myapp" }`
			_, f := writeFixture("config.hcl", hcl)
			cfg, err := config.LoadFile(f)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.ResolvedVars).To(HaveKey("app_name"))
			Expect(cfg.ResolvedVars["app_name"].AsString()).To(Equal("myapp"))
		})
	})

	Describe("Variable sources", func() {
		It("prefers a .env file next to the config over the default", func() {
			dir := writeFixtures(map[string]string{
				"config.hcl": `variable "nexus_dotenv_probe" { default = "from-default" }`,
				".env":       "NEXUS_DOTENV_PROBE=from-dotenv\n",
			})
			cfg, err := config.LoadDir(dir)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.ResolvedVars["nexus_dotenv_probe"].AsString()).To(Equal("from-dotenv"))
		})

		It("prefers the process environment over .env", func() {
			GinkgoT().Setenv("NEXUS_ENV_PROBE", "from-env")
			dir := writeFixtures(map[string]string{
				"config.hcl": `variable "nexus_env_probe" { default = "from-default" }`,
				".env":       "NEXUS_ENV_PROBE=from-dotenv\n",
			})
			cfg, err := config.LoadDir(dir)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.ResolvedVars["nexus_env_probe"].AsString()).To(Equal("from-env"))
		})
	})

	Describe("Singleton blocks", func() {
		It("rejects a settings block defined twice across files", func() {
			dir := writeFixtures(map[string]string{
				"a.hcl": `server { addr = ":1" }`,
				"b.hcl": `server { addr = ":2" }`,
			})
			_, err := config.LoadDir(dir)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("more than once"))
		})
	})
})
