// Package playbook provides the lexer, parser, and AST for Playbook scripts.
package playbook

// Keyword identifies a Playbook directive.
type Keyword int

const (
	// Special
	KwInvalid Keyword = iota

	// Settings
	KwNAME
	KwMODEL
	KwADAPTER
	KwCYCLES
	KwCONTEXTLIMIT
	KwSESSION
	KwLENIENT
	KwPROLOGUE
	KwEPILOGUE
	KwHEADER
	KwFOOTER
	KwALLOW
	KwDENY
	KwOUTPUT

	// Steps
	KwSAY
	KwSAYRETRY
	KwEXEC
	KwEXECSTRICT
	KwEXECRETRY
	KwSPAWN
	KwAWAIT
	KwINCLUDE
	KwINCLUDEOPT
	KwELIDE
	KwONSUCCESS
	KwONFAIL
	KwEND
	KwCOMPACT
	KwCHECKPOINT
	KwVERIFY
)

// String returns the directive spelling for the keyword.
func (k Keyword) String() string {
	for word, kw := range keywords {
		if kw == k {
			return word
		}
	}
	return "INVALID"
}

// keywords maps directive spellings to their keyword values.
var keywords = map[string]Keyword{
	"NAME":          KwNAME,
	"MODEL":         KwMODEL,
	"ADAPTER":       KwADAPTER,
	"CYCLES":        KwCYCLES,
	"CONTEXT_LIMIT": KwCONTEXTLIMIT,
	"SESSION":       KwSESSION,
	"LENIENT":       KwLENIENT,
	"PROLOGUE":      KwPROLOGUE,
	"EPILOGUE":      KwEPILOGUE,
	"HEADER":        KwHEADER,
	"FOOTER":        KwFOOTER,
	"ALLOW":         KwALLOW,
	"DENY":          KwDENY,
	"OUTPUT":        KwOUTPUT,
	"SAY":           KwSAY,
	"SAY_RETRY":     KwSAYRETRY,
	"EXEC":          KwEXEC,
	"EXEC_STRICT":   KwEXECSTRICT,
	"EXEC_RETRY":    KwEXECRETRY,
	"SPAWN":         KwSPAWN,
	"AWAIT":         KwAWAIT,
	"INCLUDE":       KwINCLUDE,
	"INCLUDE_OPT":   KwINCLUDEOPT,
	"ELIDE":         KwELIDE,
	"ON_SUCCESS":    KwONSUCCESS,
	"ON_FAIL":       KwONFAIL,
	"END":           KwEND,
	"COMPACT":       KwCOMPACT,
	"CHECKPOINT":    KwCHECKPOINT,
	"VERIFY":        KwVERIFY,
}

// LookupKeyword resolves a directive word to its keyword.
// The second return is false for unknown directives.
func LookupKeyword(word string) (Keyword, bool) {
	kw, ok := keywords[word]
	return kw, ok
}
