package deploy

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/images"
	"github.com/projecteru2/anvil/types"
)

var (
	truthy = map[string]bool{"true": true, "TRUE": true, "True": true, "t": true, "on": true, "yes": true, "y": true, "1": true}
	falsy  = map[string]bool{"false": true, "FALSE": true, "False": true, "f": true, "off": true, "no": true, "n": true, "0": true}
)

// ParseInstanceInfo validates node.InstanceInfo and returns its typed form.
func (b *Builder) ParseInstanceInfo(node *types.Node) (*types.InstanceInfo, error) {
	ii := node.InstanceInfo

	var missing []string
	for _, k := range []string{"image_source", "root_gb"} {
		if isEmpty(ii[k]) {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, errdefs.MissingParameter("node %s is missing instance_info: %s", node.ID, strings.Join(missing, ", "))
	}

	info := &types.InstanceInfo{}
	var err error
	if info.ImageSource, err = stringField(ii, "image_source"); err != nil {
		return nil, err
	}
	if info.RootGB, err = intField(ii, "root_gb", 0); err != nil {
		return nil, err
	}
	if info.EphemeralGB, err = intField(ii, "ephemeral_gb", 0); err != nil {
		return nil, err
	}
	if info.SwapMB, err = intField(ii, "swap_mb", 0); err != nil {
		return nil, err
	}
	if info.EphemeralFormat, err = stringField(ii, "ephemeral_format"); err != nil {
		return nil, err
	}
	if info.EphemeralGB > 0 && info.EphemeralFormat == "" {
		info.EphemeralFormat = b.conf.DefaultEphemeralFormat
	}
	if info.PreserveEphemeral, err = boolField(ii, "preserve_ephemeral"); err != nil {
		return nil, err
	}
	if v, ok := ii["configdrive"]; ok && v != nil {
		info.ConfigDrive = fmt.Sprint(v)
	}
	if info.Kernel, err = stringField(ii, "kernel"); err != nil {
		return nil, err
	}
	if info.Ramdisk, err = stringField(ii, "ramdisk"); err != nil {
		return nil, err
	}

	if !images.IsOpaque(info.ImageSource) {
		missing = missing[:0]
		if info.Kernel == "" {
			missing = append(missing, "kernel")
		}
		if info.Ramdisk == "" {
			missing = append(missing, "ramdisk")
		}
		if len(missing) > 0 {
			return nil, errdefs.MissingParameter("node %s: image_source %s is not a registry image, instance_info requires: %s",
				node.ID, info.ImageSource, strings.Join(missing, ", "))
		}
	}

	if _, err := ParseCapabilities(node); err != nil {
		return nil, err
	}
	return info, nil
}

// ParseCapabilities decodes instance_info.capabilities, which is either a
// JSON object string or a mapping.
func ParseCapabilities(node *types.Node) (types.Capabilities, error) {
	var caps types.Capabilities
	raw, ok := node.InstanceInfo["capabilities"]
	if !ok || raw == nil {
		return caps, nil
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return caps, nil
		}
		data = []byte(v)
	case map[string]any:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return caps, errdefs.InvalidParameter("node %s: invalid capabilities: %v", node.ID, err)
		}
	default:
		return caps, errdefs.InvalidParameter("node %s: capabilities must be a JSON object, got %T", node.ID, raw)
	}
	if err := json.Unmarshal(data, &caps); err != nil {
		return caps, errdefs.InvalidParameter("node %s: invalid capabilities %q: %v", node.ID, string(data), err)
	}
	switch caps.BootOption {
	case "", types.BootOptionLocal, types.BootOptionNetboot:
	default:
		return caps, errdefs.InvalidParameter("node %s: invalid boot_option %q, must be %q or %q",
			node.ID, caps.BootOption, types.BootOptionLocal, types.BootOptionNetboot)
	}
	return caps, nil
}

// GetBootOption returns the requested boot option, "netboot" by default.
// Malformed capabilities fall back to the default; ParseInstanceInfo
// reports them.
func GetBootOption(node *types.Node) string {
	caps, err := ParseCapabilities(node)
	if err != nil || caps.BootOption == "" {
		return types.BootOptionNetboot
	}
	return caps.BootOption
}

// ParseRootDeviceHints renders properties.root_device as the kernel
// parameter value "k1=v1,k2=v2" with keys sorted and values escaped.
// ok is false when the node has no hints.
func ParseRootDeviceHints(node *types.Node) (hints string, ok bool) {
	raw, _ := node.Properties["root_device"].(map[string]any)
	if len(raw) == 0 {
		return "", false
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+quote(hintValue(raw[k])))
	}
	return strings.Join(pairs, ","), true
}

func hintValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func stringField(m map[string]any, key string) (string, error) {
	switch v := m[key].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", errdefs.InvalidParameter("%s must be a string, got %T", key, v)
	}
}

// intField parses a non-negative integer from the loose JSON types.
func intField(m map[string]any, key string, def int) (int, error) {
	raw, ok := m[key]
	if !ok || isEmpty(raw) {
		return def, nil
	}
	var n int64
	switch v := raw.(type) {
	case int:
		n = int64(v)
	case int64:
		n = v
	case float64:
		if v != math.Trunc(v) {
			return 0, errdefs.InvalidParameter("%s must be an integer, got %v", key, v)
		}
		n = int64(v)
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, errdefs.InvalidParameter("%s must be an integer, got %q", key, v.String())
		}
		n = i
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, errdefs.InvalidParameter("%s must be an integer, got %q", key, v)
		}
		n = i
	default:
		return 0, errdefs.InvalidParameter("%s must be an integer, got %T", key, raw)
	}
	if n < 0 {
		return 0, errdefs.InvalidParameter("%s must be non-negative, got %d", key, n)
	}
	return int(n), nil
}

func boolField(m map[string]any, key string) (bool, error) {
	switch v := m[key].(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		return parseBool(key, v)
	case float64:
		return parseBool(key, strconv.FormatFloat(v, 'f', -1, 64))
	default:
		return false, errdefs.InvalidParameter("%s must be a boolean, got %T", key, v)
	}
}

func parseBool(key, v string) (bool, error) {
	switch {
	case truthy[v]:
		return true, nil
	case falsy[v]:
		return false, nil
	}
	return false, errdefs.InvalidParameter("%s must be a boolean, got %q", key, v)
}
