package intel

import "endpoint-xdr/internal/schema"

// Unmapped is the technique id reported for events without a mapping.
const Unmapped = "unmapped"

// Technique is a MITRE ATT&CK technique.
type Technique struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	Tactic string `yaml:"tactic" json:"tactic"`
}

// builtinTechniques maps the event types of the shipped rule set.
var builtinTechniques = map[string]Technique{
	"reverse-shell-port": {ID: "T1571", Name: "Non-Standard Port", Tactic: "command-and-control"},
	"ssh-brute-force":    {ID: "T1110", Name: "Brute Force", Tactic: "credential-access"},
	"rdp-brute-force":    {ID: "T1110", Name: "Brute Force", Tactic: "credential-access"},
	"port-scan":          {ID: "T1046", Name: "Network Service Discovery", Tactic: "discovery"},
	"credential-dumping": {ID: "T1003", Name: "OS Credential Dumping", Tactic: "credential-access"},
	"encoded-powershell": {ID: "T1059.001", Name: "PowerShell", Tactic: "execution"},
	"smb-lateral":        {ID: "T1021.002", Name: "SMB/Windows Admin Shares", Tactic: "lateral-movement"},
	"dns-tunnel":         {ID: "T1071.004", Name: "DNS", Tactic: "command-and-control"},
	"ransom-note":        {ID: "T1486", Name: "Data Encrypted for Impact", Tactic: "impact"},
	"log-cleared":        {ID: "T1070.001", Name: "Clear Windows Event Logs", Tactic: "defense-evasion"},
	"new-service":        {ID: "T1543.003", Name: "Windows Service", Tactic: "persistence"},
	"scheduled-task":     {ID: "T1053.005", Name: "Scheduled Task", Tactic: "persistence"},
}

// BuiltinTechniques returns a copy of the built-in mapping table.
func BuiltinTechniques() map[string]Technique {
	out := make(map[string]Technique, len(builtinTechniques))
	for k, v := range builtinTechniques {
		out[k] = v
	}
	return out
}

func lookupTechnique(table map[string]Technique, e schema.SecurityEvent) (Technique, bool) {
	if t, ok := table[e.Type]; ok {
		return t, true
	}
	if e.RuleID != "" && e.RuleID != e.Type {
		if t, ok := table[e.RuleID]; ok {
			return t, true
		}
	}
	return Technique{ID: Unmapped}, false
}
