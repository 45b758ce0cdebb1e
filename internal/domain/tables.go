package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	&SysOpr{},
	&SysOprLog{},
	// CRM connector
	&Integration{},
	&ChannelMapping{},
}
