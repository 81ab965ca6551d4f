package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	&SysOpr{},
	&SysOprLog{},
	// Gateway
	&GateSession{},
	&GroupPolicy{},
	&MemberWarning{},
	&CreditAccount{},
	&CreditEntry{},
	&Webhook{},
	&ActivityLog{},
}
