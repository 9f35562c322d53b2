/*


Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1

import (
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// NOTE: json tags are required.  Any new fields you add must have json tags for the fields to be serialized.

// ClockDomainSpec describes the clock domain the VF table is expressed in
type ClockDomainSpec struct {
	// Name of the clock domain, e.g. "gpc"
	Name string `json:"name"`

	// Ratio between internal and external clock units
	//+kubebuilder:validation:Enum=1;2
	//+kubebuilder:default=1
	Ratio *uint32 `json:"ratio,omitempty"`
}

// PstateSpec is the clock range of one performance state, in internal kHz
type PstateSpec struct {
	MinKHz uint32 `json:"minKHz"`
	MaxKHz uint32 `json:"maxKHz"`
}

// VFPointSpec is one frequency point and the voltage every rail needs at it
type VFPointSpec struct {
	// Frequency in internal kHz
	FreqKHz uint32 `json:"freqKHz"`

	// Voltage per rail in mV, indexed like the board's leakage list
	//+kubebuilder:validation:MaxItems=4
	VoltageMV []uint32 `json:"voltageMV"`
}

// PerfTableSpec is the performance table of the board
type PerfTableSpec struct {
	Domain ClockDomainSpec `json:"domain"`

	// Performance states, lowest first
	//+kubebuilder:validation:MinItems=1
	Pstates []PstateSpec `json:"pstates"`

	// VF points in ascending frequency
	//+kubebuilder:validation:MinItems=1
	Points []VFPointSpec `json:"points"`
}

// RailLeakageSpec configures the leakage model of one voltage rail
type RailLeakageSpec struct {
	// Leakage at 0 mV, in mW
	OffsetMW uint32 `json:"offsetMW,omitempty"`

	// Leakage increase per mV of rail voltage, in mW
	MWPerMV resource.Quantity `json:"mWPerMV"`
}

// PowerLimitSpec bounds the power limit of a policy, in mW
type PowerLimitSpec struct {
	MinMW   uint32 `json:"minMW"`
	RatedMW uint32 `json:"ratedMW"`
	MaxMW   uint32 `json:"maxMW"`
}

// RampSpec limits how far the clock limit moves per cycle, as a share of
// the distance to the new limit
type RampSpec struct {
	//+kubebuilder:default="100%"
	Up *intstr.IntOrString `json:"up,omitempty"`

	//+kubebuilder:default="100%"
	Down *intstr.IntOrString `json:"down,omitempty"`
}

// IntegralSpec enables correction of the workload target by the accumulated
// error between limit and reading
type IntegralSpec struct {
	// Number of cycles of error kept
	//+kubebuilder:validation:Minimum=1
	//+kubebuilder:validation:Maximum=64
	PastSamples int `json:"pastSamples"`

	// Number of cycles the accumulated error is spread over
	//+kubebuilder:validation:Minimum=1
	FutureSamples uint32 `json:"futureSamples"`

	// Lowest corrected target, relative to the limit
	MinRatio intstr.IntOrString `json:"minRatio"`

	// Highest corrected target, relative to the limit
	MaxRatio intstr.IntOrString `json:"maxRatio"`
}

// RailSpec is the telemetry of one rail of a multirail workload policy
type RailSpec struct {
	// Power channel measuring the rail
	Channel uint8 `json:"channel"`

	// Where the rail voltage is read from
	//+kubebuilder:validation:Enum=set;sensed
	//+kubebuilder:default=set
	VoltageSource string `json:"voltageSource,omitempty"`
}

// PolicySpec configures one power policy. Fields not used by Kind are ignored
type PolicySpec struct {
	// Name of the policy, unique on the board
	Name string `json:"name"`

	// Kind of controller
	//+kubebuilder:validation:Enum=bangbang;march;workload;workload_multirail
	Kind string `json:"kind"`

	Limits PowerLimitSpec `json:"limits"`

	// Power channel read by bangbang, march and workload policies
	Channel uint8 `json:"channel,omitempty"`

	// Reading/limit ratio below which a bangbang policy uncaps
	//+kubebuilder:default="90%"
	UncapRatio *intstr.IntOrString `json:"uncapRatio,omitempty"`

	// Number of VF points a march policy moves per cycle
	//+kubebuilder:default=1
	StepSize *uint32 `json:"stepSize,omitempty"`

	// Share below the limit the reading of a march policy must fall to before uncapping
	//+kubebuilder:default="5%"
	UncapHysteresis *intstr.IntOrString `json:"uncapHysteresis,omitempty"`

	// Rail of a workload policy
	//+kubebuilder:validation:Minimum=0
	//+kubebuilder:validation:Maximum=3
	Rail int `json:"rail,omitempty"`

	// Where the rail voltage of a workload policy is read from
	//+kubebuilder:validation:Enum=set;sensed
	VoltageSource string `json:"voltageSource,omitempty"`

	// Rails of a workload_multirail policy
	//+kubebuilder:validation:MaxItems=4
	Rails []RailSpec `json:"rails,omitempty"`

	// Size of the workload median filter
	//+kubebuilder:default=5
	MedianSize *int `json:"medianSize,omitempty"`

	Ramp *RampSpec `json:"ramp,omitempty"`

	// Thermal violation share above which the clock is not raised, zero disables
	ViolationThreshold *intstr.IntOrString `json:"violationThreshold,omitempty"`

	// VF point search of a workload_multirail policy
	//+kubebuilder:validation:Enum=monotonic;bidirectional
	Search string `json:"search,omitempty"`

	// Scale dynamic power by the memory clock gating residency
	MSCG bool `json:"mscg,omitempty"`

	// Scale leakage by the filtered power gating residency
	PG bool `json:"pg,omitempty"`

	// Size of the power gating residency filter
	//+kubebuilder:default=4
	PGFilterSize *int `json:"pgFilterSize,omitempty"`

	Integral *IntegralSpec `json:"integral,omitempty"`
}

// LimitsSpec is a domain group limit. Unset values are not limited
type LimitsSpec struct {
	Pstate      *uint32 `json:"pstate,omitempty"`
	GraphicsKHz *uint32 `json:"graphicsKHz,omitempty"`
}

// CeilingSpec is an initial ceiling request of a client
type CeilingSpec struct {
	//+kubebuilder:validation:Enum=host;thermal;power_supply;user
	Client string     `json:"client"`
	Limits LimitsSpec `json:"limits"`
}

// ArbiterSpec configures the domain group arbiter of the board
type ArbiterSpec struct {
	// Lowest point policies may push the clocks to
	RatedFloor *LimitsSpec `json:"ratedFloor,omitempty"`

	// Cap applied while the fault input is asserted
	FullDeflection *LimitsSpec `json:"fullDeflection,omitempty"`

	// Clients allowed to request a global ceiling
	//+kubebuilder:default={"host","thermal","power_supply","user"}
	CeilingClients []string `json:"ceilingClients,omitempty"`

	// Ceilings requested at start-up
	Ceilings []CeilingSpec `json:"ceilings,omitempty"`
}

// SimulatorSpec drives the synthetic board used when no hardware is attached
type SimulatorSpec struct {
	// Workload per rail, as switched capacitance in the leakage model's units
	//+kubebuilder:validation:MinItems=1
	Workloads []resource.Quantity `json:"workloads"`

	// Share of time the memory clock is gated
	MSCGResidency *intstr.IntOrString `json:"mscgResidency,omitempty"`

	// Share of time graphics is power gated
	PGResidency *intstr.IntOrString `json:"pgResidency,omitempty"`

	// Share of time spent in thermal slowdown
	ViolationShare *intstr.IntOrString `json:"violationShare,omitempty"`
}

// BoardSpec configures capping of one board
type BoardSpec struct {
	// Name of the board
	Name string `json:"name"`

	// Time between two capping cycles
	//+kubebuilder:validation:Format=duration
	//+kubebuilder:default="100ms"
	SamplePeriod metav1.Duration `json:"samplePeriod,omitempty"`

	PerfTable PerfTableSpec `json:"perfTable"`

	// Leakage model, one entry per rail
	//+kubebuilder:validation:MinItems=1
	//+kubebuilder:validation:MaxItems=4
	Leakage []RailLeakageSpec `json:"leakage"`

	//+kubebuilder:validation:MinItems=1
	Policies []PolicySpec `json:"policies"`

	Arbiter ArbiterSpec `json:"arbiter,omitempty"`

	Simulator *SimulatorSpec `json:"simulator,omitempty"`
}

// PowerCappingConfigurationSpec defines the desired state of PowerCappingConfiguration
type PowerCappingConfigurationSpec struct {
	// List of boards that should be capped on a node.
	Boards []BoardSpec `json:"boards,omitempty"`
}

// PowerCappingConfigurationStatus defines the observed state of PowerCappingConfiguration
type PowerCappingConfigurationStatus struct {
	Errors []string `json:"errors,omitempty"`
}

// PowerCappingConfiguration is the Schema for the powercapd configuration file
type PowerCappingConfiguration struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   PowerCappingConfigurationSpec   `json:"spec,omitempty"`
	Status PowerCappingConfigurationStatus `json:"status,omitempty"`
}

func (config *PowerCappingConfiguration) SetStatusErrors(errs *[]string) {
	config.Status.Errors = *errs
}

func (config *PowerCappingConfiguration) GetStatusErrors() *[]string {
	return &config.Status.Errors
}
