package gryag

import "testing"

func TestLocalizerLanguages(t *testing.T) {
	uk := NewLocalizer("uk")
	en := NewLocalizer("en-US")

	if got := en.T(MsgQuota); got != "slow down, you're out of quota for this hour" {
		t.Errorf("en quota = %q", got)
	}
	if uk.T(MsgQuota) == en.T(MsgQuota) {
		t.Error("uk and en catalogs must differ")
	}

	// Unknown and empty tags fall back to Ukrainian.
	if got := NewLocalizer("").T(MsgBanned); got != uk.T(MsgBanned) {
		t.Errorf("default localizer = %q, want Ukrainian", got)
	}
	if got := NewLocalizer("zz").T(MsgBanned); got != uk.T(MsgBanned) {
		t.Errorf("unknown tag localizer = %q, want Ukrainian", got)
	}
}

func TestLocalizerUnknownKey(t *testing.T) {
	if got := NewLocalizer("uk").T("no_such_key"); got != "no_such_key" {
		t.Errorf("T(unknown) = %q, want the key itself", got)
	}
}

func TestLocalizerCatalogsComplete(t *testing.T) {
	keys := []string{
		MsgFallback, MsgQuota, MsgBanned, MsgEmptyReply,
		MsgUnknownTool, MsgToolThrottled, MsgToolError,
	}
	for lang, strings := range catalog {
		for _, k := range keys {
			if strings[k] == "" {
				t.Errorf("catalog %v is missing %q", lang, k)
			}
		}
	}
}
