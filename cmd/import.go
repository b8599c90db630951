package main

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/email-extract/internal/model"
)

const maxEmailLine = 16 << 20

var (
	importEmailsFile       string
	importEmailsCollection string
	importPromptFile       string
)

var emailsCmd = &cobra.Command{
	Use:   "emails",
	Short: "Manage email collections",
}

var emailsImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import emails from a JSON Lines file",
	Long:  "Reads one JSON email per line. Emails whose id already exists are skipped, so re-importing a file is safe.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		f, err := os.Open(importEmailsFile)
		if err != nil {
			return eris.Wrap(err, "open emails file")
		}
		defer f.Close() //nolint:errcheck

		emails, err := readEmails(f, importEmailsCollection)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		inserted, err := st.InsertEmails(ctx, emails)
		if err != nil {
			return eris.Wrap(err, "import emails")
		}

		zap.L().Info("import complete",
			zap.Int("read", len(emails)),
			zap.Int("inserted", inserted),
			zap.String("file", importEmailsFile),
		)
		return nil
	},
}

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Manage extraction prompts",
}

var promptsImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Create or replace a prompt from a YAML file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		data, err := os.ReadFile(importPromptFile)
		if err != nil {
			return eris.Wrap(err, "read prompt file")
		}
		prompt, err := parsePrompt(data)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.UpsertPrompt(ctx, prompt); err != nil {
			return eris.Wrap(err, "import prompt")
		}
		zap.L().Info("prompt imported", zap.String("prompt_id", prompt.ID), zap.String("name", prompt.Name))
		return nil
	},
}

// readEmails decodes a JSON Lines stream of emails. A non-empty collection
// overrides each email's collection_id.
func readEmails(r io.Reader, collection string) ([]model.Email, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxEmailLine)

	var emails []model.Email
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}

		var e model.Email
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, eris.Wrapf(err, "emails: line %d", line)
		}
		if collection != "" {
			e.CollectionID = collection
		}
		if e.ID == "" || e.CollectionID == "" {
			return nil, eris.Errorf("emails: line %d: id and collection_id are required", line)
		}
		if e.ReceivedAt.IsZero() {
			e.ReceivedAt = time.Now().UTC()
		}
		emails = append(emails, e)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "emails: read")
	}
	return emails, nil
}

// promptFile is the on-disk prompt format. The response schema is given
// either as a JSON string or inline as YAML.
type promptFile struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	Content    string         `yaml:"content"`
	JSONSchema string         `yaml:"json_schema"`
	Schema     map[string]any `yaml:"schema"`
}

func parsePrompt(data []byte) (*model.Prompt, error) {
	var pf promptFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, eris.Wrap(err, "prompt: parse yaml")
	}
	if pf.ID == "" || strings.TrimSpace(pf.Content) == "" {
		return nil, eris.New("prompt: id and content are required")
	}

	schema := strings.TrimSpace(pf.JSONSchema)
	if pf.Schema != nil {
		if schema != "" {
			return nil, eris.New("prompt: set json_schema or schema, not both")
		}
		b, err := json.Marshal(pf.Schema)
		if err != nil {
			return nil, eris.Wrap(err, "prompt: encode schema")
		}
		schema = string(b)
	}
	if schema != "" && !json.Valid([]byte(schema)) {
		return nil, eris.New("prompt: json_schema is not valid JSON")
	}

	name := pf.Name
	if name == "" {
		name = pf.ID
	}
	return &model.Prompt{
		ID:         pf.ID,
		Name:       name,
		Content:    pf.Content,
		JSONSchema: schema,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func init() {
	emailsImportCmd.Flags().StringVar(&importEmailsFile, "file", "", "path to JSON Lines file (required)")
	emailsImportCmd.Flags().StringVar(&importEmailsCollection, "collection", "", "collection id applied to every email")
	_ = emailsImportCmd.MarkFlagRequired("file")
	emailsCmd.AddCommand(emailsImportCmd)

	promptsImportCmd.Flags().StringVar(&importPromptFile, "file", "", "path to prompt YAML file (required)")
	_ = promptsImportCmd.MarkFlagRequired("file")
	promptsCmd.AddCommand(promptsImportCmd)

	rootCmd.AddCommand(emailsCmd)
	rootCmd.AddCommand(promptsCmd)
}
