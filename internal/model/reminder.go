package model

type ReminderTemplates struct {
	SchemaVersion int                `yaml:"schema_version" json:"-"`
	FileType      string             `yaml:"file_type" json:"-"`
	Templates     []ReminderTemplate `yaml:"templates" json:"templates"`
}

type ReminderTemplate struct {
	ID         string `yaml:"id" json:"id"`
	Name       string `yaml:"name" json:"name"`
	PromptText string `yaml:"prompt_text" json:"prompt_text"`
	IsDefault  bool   `yaml:"is_default" json:"is_default"`
}

// DefaultReminderTemplate seeds an empty reminder document.
func DefaultReminderTemplate() ReminderTemplate {
	return ReminderTemplate{
		ID:   "rtpl_default",
		Name: "Default reminder",
		PromptText: "No answer received for {{waitingMinutes}} minutes (timeout {{timeoutMinutes}}m) " +
			"for prompt {{promptId}} (request {{expectedRequestId}}, follow-up {{followUpIndex}}/{{followUpTotal}}).\n" +
			"Original prompt: {{originalPrompt}}\n" +
			"Please finish the task and write the answer file.",
		IsDefault: true,
	}
}
