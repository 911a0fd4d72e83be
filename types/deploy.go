package types

// InstanceInfo is the validated form of Node.InstanceInfo.
type InstanceInfo struct {
	ImageSource       string `json:"image_source"`
	RootGB            int    `json:"root_gb"`
	SwapMB            int    `json:"swap_mb"`
	EphemeralGB       int    `json:"ephemeral_gb"`
	EphemeralFormat   string `json:"ephemeral_format,omitempty"`
	PreserveEphemeral bool   `json:"preserve_ephemeral"`
	ConfigDrive       string `json:"configdrive,omitempty"`
	Kernel            string `json:"kernel,omitempty"`
	Ramdisk           string `json:"ramdisk,omitempty"`
}

// Capabilities is the typed decode of instance_info.capabilities.
type Capabilities struct {
	BootOption string `json:"boot_option,omitempty"`
}

// DeployDescriptor holds the kernel parameters handed to the deploy ramdisk.
// Built fresh for every deploy attempt; only DeploymentKey outlives it,
// stored as instance_info.deploy_key.
type DeployDescriptor struct {
	ISCSITargetIQN string `json:"iscsi_target_iqn"`
	DeploymentID   string `json:"deployment_id"`
	DeploymentKey  string `json:"deployment_key"`
	Disk           string `json:"disk"`
	APIURL         string `json:"api_url"`
	BootOption     string `json:"boot_option"`
	RootDevice     string `json:"root_device,omitempty"`
}

// DeployCallback is the message the deploy ramdisk posts once it has
// attached (or failed to attach) to the exported iSCSI target.
type DeployCallback struct {
	Address string `json:"address"`
	IQN     string `json:"iqn"`
	Key     string `json:"key"`
	Error   string `json:"error,omitempty"`
}

// DeployInfo is the parameter set for one run of the deploy executor.
type DeployInfo struct {
	Address           string `json:"address"`
	Port              string `json:"port"`
	IQN               string `json:"iqn"`
	LUN               int    `json:"lun"`
	Key               string `json:"key"`
	NodeID            string `json:"node_id"`
	ImagePath         string `json:"image_path"`
	RootMB            int    `json:"root_mb"`
	SwapMB            int    `json:"swap_mb"`
	EphemeralMB       int    `json:"ephemeral_mb"`
	EphemeralFormat   string `json:"ephemeral_format,omitempty"`
	PreserveEphemeral bool   `json:"preserve_ephemeral"`
	ConfigDrive       string `json:"configdrive,omitempty"`
	BootOption        string `json:"boot_option"`
	RootDevice        string `json:"root_device,omitempty"`
}
